package cryptopool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hooks let the owner observe worker lifecycle and out-of-band traffic. They run on the
// transport's reader goroutine and must not block. The worker argument of OnError is nil
// for pool-level errors.
type Hooks struct {
	OnSpawn func(w *Worker)
	OnExit  func(code int, w *Worker)
	OnError func(err error, w *Worker)
	OnLog   func(text string, w *Worker)
	OnEvent func(ev Event, w *Worker)
}

// WorkerConfig configures a single worker.
type WorkerConfig struct {
	// Env is sent to the child before any job. Defaults to the main network.
	Env                 *EnvPacket
	MaxPayload          uint32
	LateResultRetention time.Duration
	Logger              *zap.Logger
	Metrics             *Metrics
	Hooks               Hooks

	// onClose is called once the worker can no longer serve jobs.
	onClose func(w *Worker)
}

type workerState int

const (
	workerReady workerState = iota
	workerFailed
	workerDestroyed
	workerExited
)

func (s workerState) String() string {
	switch s {
	case workerReady:
		return "ready"
	case workerFailed:
		return "failed"
	case workerDestroyed:
		return "destroyed"
	case workerExited:
		return "exited"
	}
	return "unknown"
}

// Worker owns one child process and multiplexes concurrent jobs over its pipe.
type Worker struct {
	slot      int
	cfg       WorkerConfig
	log       *zap.Logger
	parser    *Parser
	closeOnce sync.Once

	mu        sync.Mutex
	transport Transport
	state     workerState
	err       error
	exited    bool
	pending   map[uint32]*pendingJob
	nextID    uint32
	expired   map[uint32]time.Time
	lastPrune time.Time
}

// pendingJob is the bookkeeping for one job awaiting its result.
type pendingJob struct {
	id       uint32
	kind     PacketKind
	expect   PacketKind
	issuedAt time.Time
	timeout  time.Duration
	timer    *time.Timer
	call     *Call
}

// Call is an in-flight job. Done is closed once Result or Err is set.
type Call struct {
	Kind   PacketKind
	Result Packet
	Err    error

	worker *Worker
	job    *pendingJob
	done   chan struct{}
}

func newCall(kind PacketKind, w *Worker) *Call {
	return &Call{Kind: kind, worker: w, done: make(chan struct{})}
}

// Done returns a channel that is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// ID returns the correlation id assigned to the call, or 0 if it was never sent.
func (c *Call) ID() uint32 {
	if c.job == nil {
		return 0
	}
	return c.job.id
}

// Wait blocks until the call completes or ctx is done. Cancellation releases the job's
// table entry; a result arriving afterwards is dropped.
func (c *Call) Wait(ctx context.Context) (Packet, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		if c.worker != nil && c.job != nil {
			c.worker.expire(c.job, ctx.Err())
		}
		<-c.done
	}
	return c.Result, c.Err
}

func (c *Call) finish(result Packet, err error) *Call {
	c.Result = result
	c.Err = err
	close(c.done)
	return c
}

// NewWorker spawns a child through spawn and sends it the ENV packet.
func NewWorker(slot int, spawn Spawner, cfg WorkerConfig) (*Worker, error) {
	if cfg.Env == nil {
		cfg.Env = &EnvPacket{Network: DefaultNetwork}
	}
	if cfg.LateResultRetention <= 0 {
		cfg.LateResultRetention = DefaultLateResultRetention
	}

	w := &Worker{
		slot:    slot,
		cfg:     cfg,
		log:     orNop(cfg.Logger).With(zap.Int("slot", slot)),
		parser:  NewParser(cfg.MaxPayload),
		pending: make(map[uint32]*pendingJob),
		expired: make(map[uint32]time.Time),
	}

	t, err := spawn(slot, w)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker %d: %w", slot, err)
	}

	w.mu.Lock()
	w.transport = t
	alive := w.state == workerReady
	w.mu.Unlock()
	if !alive {
		// The child died or corrupted the stream before Spawn returned.
		_ = t.Terminate()
		return nil, fmt.Errorf("worker %d failed during startup: %w", slot, w.Err())
	}

	w.log = w.log.With(zap.Int("pid", t.Pid()))

	frame, err := EncodeFrame(0, cfg.Env)
	if err == nil {
		err = t.Send(frame)
	}
	if err != nil {
		w.Destroy()
		return nil, fmt.Errorf("failed to send env to worker %d: %w", slot, err)
	}

	cfg.Metrics.RecordSpawn()
	w.log.Debug("worker spawned")
	if cfg.Hooks.OnSpawn != nil {
		cfg.Hooks.OnSpawn(w)
	}
	return w, nil
}

// Slot returns the pool slot the worker occupies.
func (w *Worker) Slot() int {
	return w.slot
}

// Pid returns the child's process id.
func (w *Worker) Pid() int {
	w.mu.Lock()
	t := w.transport
	w.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.Pid()
}

// Usable reports whether the worker still accepts jobs.
func (w *Worker) Usable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == workerReady
}

// Err returns the error that made the worker unusable, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Pending returns the number of jobs awaiting a result.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Go sends job and returns immediately. timeout > 0 arms a timer; otherwise the call waits
// until a result arrives or the worker goes away.
func (w *Worker) Go(job Packet, timeout time.Duration) *Call {
	kind := job.Kind()
	call := newCall(kind, w)

	expect, ok := kind.ResultKind()
	if !ok {
		return call.finish(nil, fmt.Errorf("%s is not a job packet", kind))
	}
	payload, err := EncodePacket(job)
	if err != nil {
		return call.finish(nil, err)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return call.finish(nil, &OversizedPacketError{Kind: kind, Size: uint64(len(payload))})
	}

	w.mu.Lock()
	if w.state != workerReady {
		err := w.unusableErrLocked()
		w.mu.Unlock()
		return call.finish(nil, err)
	}
	pj := &pendingJob{
		id:       w.nextIDLocked(),
		kind:     kind,
		expect:   expect,
		issuedAt: time.Now(),
		timeout:  timeout,
		call:     call,
	}
	call.job = pj
	w.pending[pj.id] = pj
	if timeout > 0 {
		pj.timer = time.AfterFunc(timeout, func() {
			w.expire(pj, &JobTimeoutError{Kind: kind, ID: pj.id, Timeout: timeout})
		})
	}
	t := w.transport
	w.mu.Unlock()

	frame := appendFrame(make([]byte, 0, FrameHeaderSize+len(payload)+1), pj.id, kind, payload)
	if err := t.Send(frame); err != nil {
		if w.take(pj) {
			call.finish(nil, err)
		}
	}
	return call
}

// Execute sends job and waits for its result, the timeout, ctx, or the worker's death.
func (w *Worker) Execute(ctx context.Context, job Packet, timeout time.Duration) (Packet, error) {
	return w.Go(job, timeout).Wait(ctx)
}

// SendEvent sends a fire-and-forget event to the child.
func (w *Worker) SendEvent(ev Event) error {
	frame, err := EncodeFrame(0, &EventPacket{Event: ev})
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.state != workerReady {
		err := w.unusableErrLocked()
		w.mu.Unlock()
		return err
	}
	t := w.transport
	w.mu.Unlock()

	return t.Send(frame)
}

// Destroy terminates the child and rejects every pending job with ErrWorkerDestroyed.
func (w *Worker) Destroy() {
	w.mu.Lock()
	if w.state == workerReady {
		w.state = workerDestroyed
		w.err = ErrWorkerDestroyed
	}
	jobs := w.drainLocked()
	t := w.transport
	w.mu.Unlock()

	for _, pj := range jobs {
		pj.call.finish(nil, ErrWorkerDestroyed)
	}
	if t != nil {
		if err := t.Terminate(); err != nil {
			w.log.Warn("failed to terminate worker", zap.Error(err))
		}
	}
	w.close()
}

// HandleData implements TransportHandler.
func (w *Worker) HandleData(b []byte) {
	if !w.Usable() {
		return
	}
	frames, err := w.parser.Feed(b)
	for _, f := range frames {
		if !w.dispatch(f) {
			return
		}
	}
	if err != nil {
		w.fail(&ProtocolError{Slot: w.slot, Message: "corrupt stream", Err: err})
	}
}

// HandleError implements TransportHandler.
func (w *Worker) HandleError(err error) {
	w.fail(fmt.Errorf("worker %d transport: %w", w.slot, err))
}

// HandleExit implements TransportHandler.
func (w *Worker) HandleExit(code int) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}
	w.exited = true
	exitErr := &WorkerExitError{Slot: w.slot, Code: code}
	if w.state == workerReady {
		w.err = exitErr
	}
	w.state = workerExited
	jobs := w.drainLocked()
	w.mu.Unlock()

	for _, pj := range jobs {
		pj.call.finish(nil, exitErr)
	}

	w.cfg.Metrics.RecordExit()
	w.log.Info("worker exited", zap.Int("code", code), zap.Int("rejected", len(jobs)))
	if w.cfg.Hooks.OnExit != nil {
		w.cfg.Hooks.OnExit(code, w)
	}
	w.close()
}

// dispatch routes one inbound frame. It returns false once the worker has failed.
func (w *Worker) dispatch(f Frame) bool {
	switch p := f.Packet.(type) {
	case *EventPacket:
		if w.cfg.Hooks.OnEvent != nil {
			w.cfg.Hooks.OnEvent(p.Event, w)
		}
		return true
	case *LogPacket:
		w.log.Debug("worker log", zap.String("text", p.Text))
		if w.cfg.Hooks.OnLog != nil {
			w.cfg.Hooks.OnLog(p.Text, w)
		}
		return true
	case *ErrorPacket:
		w.log.Error("worker reported error", zap.Error(p.Err))
		if w.cfg.Hooks.OnError != nil {
			w.cfg.Hooks.OnError(p.Err, w)
		}
		return true
	}

	if f.Kind.IsJob() || f.Kind == KindEnv {
		w.fail(&ProtocolError{Slot: w.slot, Message: fmt.Sprintf("unexpected %s packet from child", f.Kind)})
		return false
	}

	pj, late := w.takeID(f.ID)
	if pj == nil {
		if late {
			w.cfg.Metrics.RecordLateResult()
			w.log.Debug("dropping late result", zap.Uint32("id", f.ID), zap.Stringer("kind", f.Kind))
			return true
		}
		w.fail(&ProtocolError{Slot: w.slot, Message: fmt.Sprintf("%s for unknown job %d", f.Kind, f.ID)})
		return false
	}

	if e, ok := f.Packet.(*ErrorResultPacket); ok {
		pj.call.finish(nil, orEmpty(e.Err))
		return true
	}
	if f.Kind != pj.expect {
		err := &UnexpectedResultError{Want: pj.expect, Got: f.Kind}
		pj.call.finish(nil, err)
		w.fail(&ProtocolError{Slot: w.slot, Message: fmt.Sprintf("job %d", f.ID), Err: err})
		return false
	}
	pj.call.finish(f.Packet, nil)
	return true
}

// fail marks the worker unusable, rejects its jobs with err and terminates the child.
func (w *Worker) fail(err error) {
	w.mu.Lock()
	if w.state != workerReady {
		w.mu.Unlock()
		return
	}
	w.state = workerFailed
	w.err = err
	jobs := w.drainLocked()
	t := w.transport
	w.mu.Unlock()

	for _, pj := range jobs {
		pj.call.finish(nil, err)
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		w.cfg.Metrics.RecordProtocolError()
	}
	w.log.Error("worker failed", zap.Error(err), zap.Int("rejected", len(jobs)))
	if w.cfg.Hooks.OnError != nil {
		w.cfg.Hooks.OnError(err, w)
	}
	if t != nil {
		_ = t.Terminate()
	}
	w.close()
}

func (w *Worker) close() {
	w.closeOnce.Do(func() {
		if w.cfg.onClose != nil {
			w.cfg.onClose(w)
		}
	})
}

// take removes pj from the table if it is still there. The caller that gets true owns
// completing the call.
func (w *Worker) take(pj *pendingJob) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[pj.id] != pj {
		return false
	}
	w.removeLocked(pj)
	return true
}

// takeID removes the job answered by id. If there is none, late reports whether id belongs
// to a job that recently timed out or was cancelled.
func (w *Worker) takeID(id uint32) (pj *pendingJob, late bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pj, ok := w.pending[id]; ok {
		w.removeLocked(pj)
		return pj, false
	}
	if at, ok := w.expired[id]; ok {
		delete(w.expired, id)
		return nil, time.Since(at) <= w.cfg.LateResultRetention
	}
	return nil, false
}

// expire removes pj after a timeout or cancellation and remembers its id so a late result
// is not mistaken for corruption.
func (w *Worker) expire(pj *pendingJob, err error) {
	w.mu.Lock()
	if w.pending[pj.id] != pj {
		w.mu.Unlock()
		return
	}
	w.removeLocked(pj)
	now := time.Now()
	w.expired[pj.id] = now
	if now.Sub(w.lastPrune) > w.cfg.LateResultRetention/2 {
		for id, at := range w.expired {
			if now.Sub(at) > w.cfg.LateResultRetention {
				delete(w.expired, id)
			}
		}
		w.lastPrune = now
	}
	w.mu.Unlock()

	w.log.Debug("job expired", zap.Uint32("id", pj.id), zap.Stringer("kind", pj.kind), zap.Error(err))
	pj.call.finish(nil, err)
}

func (w *Worker) removeLocked(pj *pendingJob) {
	delete(w.pending, pj.id)
	if pj.timer != nil {
		pj.timer.Stop()
	}
}

func (w *Worker) drainLocked() []*pendingJob {
	jobs := make([]*pendingJob, 0, len(w.pending))
	for _, pj := range w.pending {
		if pj.timer != nil {
			pj.timer.Stop()
		}
		jobs = append(jobs, pj)
	}
	w.pending = make(map[uint32]*pendingJob)
	return jobs
}

// nextIDLocked returns a correlation id that is non-zero and not pending.
func (w *Worker) nextIDLocked() uint32 {
	for {
		w.nextID++
		if w.nextID == 0 {
			continue
		}
		if _, busy := w.pending[w.nextID]; busy {
			continue
		}
		delete(w.expired, w.nextID)
		return w.nextID
	}
}

func (w *Worker) unusableErrLocked() error {
	if w.err != nil {
		return w.err
	}
	return fmt.Errorf("worker %d is %s", w.slot, w.state)
}
