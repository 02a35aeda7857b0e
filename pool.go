package cryptopool

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// Option configures a Pool.
type Option func(*Pool)

// WithSpawner replaces the process spawner built from Config.Executable.
func WithSpawner(s Spawner) Option {
	return func(p *Pool) { p.spawn = s }
}

// WithRunner sets the runner used when jobs execute inline.
func WithRunner(r JobRunner) Option {
	return func(p *Pool) { p.runner = r }
}

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithMetrics records pool activity into m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithHooks installs lifecycle hooks on every worker the pool spawns.
func WithHooks(h Hooks) Option {
	return func(p *Pool) { p.hooks = h }
}

// WithRegistry registers spawned children in r.
func WithRegistry(r *ProcessRegistry) Option {
	return func(p *Pool) { p.registry = r }
}

// Pool distributes jobs round-robin over a fixed number of lazily spawned workers.
type Pool struct {
	id       string
	cfg      Config
	env      *EnvPacket
	spawn    Spawner
	runner   JobRunner
	log      *zap.Logger
	metrics  *Metrics
	hooks    Hooks
	registry *ProcessRegistry

	mu       sync.Mutex
	workers  map[int]*Worker
	spawning map[int]*spawnOp
	uid      uint64
	closed   bool
}

// spawnOp lets concurrent allocations of the same slot share one spawn.
type spawnOp struct {
	done chan struct{}
	w    *Worker
	err  error
}

// NewPool creates a pool. No child is started until a job needs one.
func NewPool(cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		id:       uuid.NewString(),
		cfg:      cfg,
		workers:  make(map[int]*Worker),
		spawning: make(map[int]*spawnOp),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = orNop(p.log).With(zap.String("pool", p.id))

	if p.spawn == nil && cfg.Executable != "" {
		sp := &ProcessSpawner{
			Path:      cfg.Executable,
			Args:      cfg.Args,
			Env:       []string{"CRYPTOPOOL_POOL_ID=" + p.id},
			KillGrace: cfg.KillGrace,
			Registry:  p.registry,
			Logger:    p.log,
		}
		p.spawn = sp.Spawn
	}

	p.env = &EnvPacket{
		Network: cfg.Network,
		IsTTY:   term.IsTerminal(int(os.Stderr.Fd())),
		Vars:    map[string]string{"CRYPTOPOOL_POOL_ID": p.id},
	}
	return p
}

// ID returns the pool's instance id.
func (p *Pool) ID() string {
	return p.id
}

// Size returns the number of worker slots.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Inline reports whether jobs run in-process instead of in child workers.
func (p *Pool) Inline() bool {
	return !p.cfg.Enabled || p.spawn == nil
}

// Workers returns the live workers ordered by slot.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot() < out[j].Slot() })
	return out
}

// Execute runs job on the next worker and waits for its result. A zero timeout uses the
// pool default; NoTimeout waits until the result arrives or the worker dies.
func (p *Pool) Execute(ctx context.Context, job Packet, timeout time.Duration) (Packet, error) {
	if timeout == 0 {
		timeout = p.cfg.Timeout
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if p.Inline() {
		start := p.metrics.StartJob(true)
		res, err := p.executeInline(ctx, job, timeout)
		p.metrics.EndJob(start, err)
		return res, err
	}

	w, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	start := p.metrics.StartJob(false)
	res, err := w.Execute(ctx, job, timeout)
	p.metrics.EndJob(start, err)
	return res, err
}

func (p *Pool) executeInline(ctx context.Context, job Packet, timeout time.Duration) (Packet, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout,
			&JobTimeoutError{Kind: job.Kind(), Timeout: timeout})
		defer cancel()
	}

	res, err := runJob(ctx, p.runner, job)
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrJobTimedOut) {
			return nil, cause
		}
	}
	return res, err
}

// Allocate returns the worker for the next slot in round-robin order, spawning it if the
// slot is empty or its worker is no longer usable.
func (p *Pool) Allocate() (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	slot := int(p.uid % uint64(p.cfg.Size))
	p.uid++

	if w := p.workers[slot]; w != nil {
		if w.Usable() {
			p.mu.Unlock()
			return w, nil
		}
		delete(p.workers, slot)
	}
	if op := p.spawning[slot]; op != nil {
		p.mu.Unlock()
		<-op.done
		return op.w, op.err
	}
	op := &spawnOp{done: make(chan struct{})}
	p.spawning[slot] = op
	p.mu.Unlock()

	w, err := NewWorker(slot, p.spawn, WorkerConfig{
		Env:                 p.env,
		MaxPayload:          p.cfg.MaxPayload,
		LateResultRetention: p.cfg.LateResultRetention,
		Logger:              p.log,
		Metrics:             p.metrics,
		Hooks:               p.hooks,
		onClose:             p.evict,
	})

	p.mu.Lock()
	delete(p.spawning, slot)
	switch {
	case err != nil:
	case p.closed:
		err = ErrPoolClosed
	case !w.Usable():
		err = w.Err()
	default:
		p.workers[slot] = w
	}
	p.mu.Unlock()

	if err != nil {
		if w != nil {
			w.Destroy()
			w = nil
		}
		p.log.Error("failed to allocate worker", zap.Int("slot", slot), zap.Error(err))
		if p.hooks.OnError != nil {
			p.hooks.OnError(err, nil)
		}
	}
	op.w, op.err = w, err
	close(op.done)
	return w, err
}

// evict empties w's slot if it still holds w.
func (p *Pool) evict(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[w.Slot()] == w {
		delete(p.workers, w.Slot())
		p.log.Debug("slot evicted", zap.Int("slot", w.Slot()))
	}
}

// BroadcastEvent sends ev to every live worker concurrently.
func (p *Pool) BroadcastEvent(ev Event) error {
	var g errgroup.Group
	for _, w := range p.Workers() {
		w := w
		g.Go(func() error {
			return w.SendEvent(ev)
		})
	}
	return g.Wait()
}

// Close destroys every worker. Pending jobs are rejected and later calls fail with
// ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[int]*Worker)
	p.mu.Unlock()

	for _, w := range workers {
		w.Destroy()
	}
	p.log.Info("pool closed", zap.Int("workers", len(workers)))
	return nil
}

// execute runs job with no timeout and asserts the result type.
func execute[T Packet](ctx context.Context, p *Pool, job Packet) (T, error) {
	var zero T
	res, err := p.Execute(ctx, job, NoTimeout)
	if err != nil {
		return zero, err
	}
	out, ok := res.(T)
	if !ok {
		want, _ := job.Kind().ResultKind()
		return zero, &UnexpectedResultError{Want: want, Got: res.Kind()}
	}
	return out, nil
}

// Check verifies every input script of tx against the serialized coin view.
func (p *Pool) Check(ctx context.Context, tx, view []byte, flags uint32) error {
	res, err := execute[*CheckResultPacket](ctx, p, &CheckPacket{Tx: tx, View: view, Flags: flags})
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// Sign signs every input of tx it has a key ring for.
func (p *Pool) Sign(ctx context.Context, tx []byte, rings [][]byte, sigHash uint8) (*SignResultPacket, error) {
	return execute[*SignResultPacket](ctx, p, &SignPacket{Tx: tx, Rings: rings, SigHash: sigHash})
}

// CheckInput verifies a single input of tx.
func (p *Pool) CheckInput(ctx context.Context, tx []byte, index uint32, coin []byte, flags uint32) error {
	res, err := execute[*CheckInputResultPacket](ctx, p, &CheckInputPacket{
		Tx:    tx,
		Index: index,
		Coin:  coin,
		Flags: flags,
	})
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// SignInput signs a single input of tx.
func (p *Pool) SignInput(ctx context.Context, tx []byte, index uint32, coin, ring []byte, sigHash uint8) (*SignInputResultPacket, error) {
	return execute[*SignInputResultPacket](ctx, p, &SignInputPacket{
		Tx:      tx,
		Index:   index,
		Coin:    coin,
		Ring:    ring,
		SigHash: sigHash,
	})
}

// ECVerify checks a secp256k1 signature.
func (p *Pool) ECVerify(ctx context.Context, msg, sig, key []byte) (bool, error) {
	res, err := execute[*ECVerifyResultPacket](ctx, p, &ECVerifyPacket{Msg: msg, Sig: sig, Key: key})
	if err != nil {
		return false, err
	}
	return res.Value, nil
}

// ECSign signs msg with a secp256k1 private key.
func (p *Pool) ECSign(ctx context.Context, msg, key []byte) ([]byte, error) {
	res, err := execute[*ECSignResultPacket](ctx, p, &ECSignPacket{Msg: msg, Key: key})
	if err != nil {
		return nil, err
	}
	return res.Sig, nil
}

// Mine searches nonces in [lo, hi) for a header hash at or below target. found is
// false when the range is exhausted.
func (p *Pool) Mine(ctx context.Context, header, target []byte, lo, hi uint32) (nonce uint32, found bool, err error) {
	res, err := execute[*MineResultPacket](ctx, p, &MinePacket{
		Header: header,
		Target: target,
		Min:    lo,
		Max:    hi,
	})
	if err != nil {
		return 0, false, err
	}
	return res.Nonce, res.Found, nil
}

// Scrypt derives a key with scrypt.
func (p *Pool) Scrypt(ctx context.Context, passwd, salt []byte, n uint64, r, parallel, keyLen uint32) ([]byte, error) {
	res, err := execute[*ScryptResultPacket](ctx, p, &ScryptPacket{
		Passwd: passwd,
		Salt:   salt,
		N:      n,
		R:      r,
		P:      parallel,
		KeyLen: keyLen,
	})
	if err != nil {
		return nil, err
	}
	return res.Key, nil
}
