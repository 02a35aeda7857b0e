package cryptopool

import (
	"context"
	"fmt"
	"runtime/debug"
)

// JobRunner executes job packets. The pool uses one for inline execution and the Master
// uses one to serve jobs inside a child.
type JobRunner interface {
	RunJob(ctx context.Context, job Packet) (Packet, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, job Packet) (Packet, error)

// RunJob implements JobRunner.
func (f JobRunnerFunc) RunJob(ctx context.Context, job Packet) (Packet, error) {
	return f(ctx, job)
}

// runJob calls r and holds the result to the same contract a child must meet: the packet
// must be the job's result kind, an ERROR_RESULT becomes an error and panics are recovered.
func runJob(ctx context.Context, r JobRunner, job Packet) (res Packet, err error) {
	if r == nil {
		return nil, ErrNoRunner
	}
	want, ok := job.Kind().ResultKind()
	if !ok {
		return nil, fmt.Errorf("%s is not a job packet", job.Kind())
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = &PacketError{
				Type:    "panic",
				Message: fmt.Sprint(rec),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	res, err = r.RunJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if e, ok := res.(*ErrorResultPacket); ok {
		return nil, orEmpty(e.Err)
	}
	if res == nil {
		return nil, fmt.Errorf("%s job produced no result", job.Kind())
	}
	if res.Kind() != want {
		return nil, &UnexpectedResultError{Want: want, Got: res.Kind()}
	}
	return res, nil
}
