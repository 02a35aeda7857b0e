package cryptopool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/semaphore"
)

// MasterConfig configures the child side of the protocol.
type MasterConfig struct {
	Runner JobRunner
	// Concurrency is the number of jobs run at once. Defaults to 1.
	Concurrency int64
	MaxPayload  uint32
	// Logger receives the child's own diagnostics, normally on stderr.
	Logger *zap.Logger
	// OnEvent is called for every EVENT the parent sends.
	OnEvent func(ev Event)
}

// Master serves jobs from a parent over a byte stream, normally stdin and stdout.
type Master struct {
	cfg    MasterConfig
	in     io.Reader
	out    io.Writer
	parser *Parser
	sem    *semaphore.Weighted
	log    *zap.Logger
	remote atomic.Pointer[zap.Logger]
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu  sync.Mutex
	env *EnvPacket
}

// NewMaster creates a Master that reads frames from in and writes frames to out.
func NewMaster(in io.Reader, out io.Writer, cfg MasterConfig) *Master {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	m := &Master{
		cfg:    cfg,
		in:     in,
		out:    out,
		parser: NewParser(cfg.MaxPayload),
		sem:    semaphore.NewWeighted(cfg.Concurrency),
		log:    orNop(cfg.Logger),
	}
	m.remote.Store(m.newRemoteLogger(false))
	return m
}

// Env returns the ENV packet received from the parent, or nil before it has arrived.
func (m *Master) Env() *EnvPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.env
}

// Logger returns a logger whose entries are forwarded to the parent as LOG packets.
func (m *Master) Logger() *zap.Logger {
	return m.remote.Load()
}

// Log sends text to the parent as a LOG packet.
func (m *Master) Log(text string) error {
	return m.send(0, &LogPacket{Text: text})
}

// SendEvent sends an event to the parent.
func (m *Master) SendEvent(ev Event) error {
	return m.send(0, &EventPacket{Event: ev})
}

func (m *Master) send(id uint32, p Packet) error {
	frame, err := EncodeFrame(id, p)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err = m.out.Write(frame)
	return err
}

// Run serves until the input closes or the process receives SIGINT or SIGTERM.
func (m *Master) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := m.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		m.log.Info("received signal, shutting down")
		return nil
	}
	return err
}

// Serve reads frames until EOF, ctx is done, or the stream is corrupt. In-flight jobs are
// waited for before it returns. A corrupt stream or a panic in the loop is reported to the
// parent with an ERROR packet.
func (m *Master) Serve(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer m.wg.Wait()
	defer func() {
		if rec := recover(); rec != nil {
			err = m.fatal(&PacketError{
				Type:    "panic",
				Message: fmt.Sprint(rec),
				Stack:   string(debug.Stack()),
			})
		}
	}()

	type chunk struct {
		b   []byte
		err error
	}
	chunks := make(chan chunk)
	go func() {
		for {
			buf := make([]byte, 64*1024)
			n, err := m.in.Read(buf)
			select {
			case chunks <- chunk{b: buf[:n], err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var c chunk
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c = <-chunks:
		}

		if len(c.b) > 0 {
			frames, err := m.parser.Feed(c.b)
			for _, f := range frames {
				if err := m.handle(ctx, f); err != nil {
					return m.fatal(err)
				}
			}
			if err != nil {
				return m.fatal(err)
			}
		}
		if c.err != nil {
			if errors.Is(c.err, io.EOF) {
				m.log.Debug("parent closed the stream")
				return nil
			}
			return fmt.Errorf("read from parent: %w", c.err)
		}
	}
}

func (m *Master) fatal(err error) error {
	m.log.Error("fatal protocol error", zap.Error(err))
	if serr := m.send(0, &ErrorPacket{Err: NewPacketError(err)}); serr != nil {
		m.log.Warn("failed to report error to parent", zap.Error(serr))
	}
	return err
}

func (m *Master) handle(ctx context.Context, f Frame) error {
	switch p := f.Packet.(type) {
	case *EnvPacket:
		m.setEnv(p)
		return nil
	case *EventPacket:
		if m.cfg.OnEvent != nil {
			m.cfg.OnEvent(p.Event)
		}
		return nil
	}

	if !f.Kind.IsJob() {
		return fmt.Errorf("unexpected %s packet from parent", f.Kind)
	}
	if m.Env() == nil {
		return m.send(f.ID, &ErrorResultPacket{Err: &PacketError{
			Type:    "ProtocolError",
			Message: fmt.Sprintf("%s job received before ENV", f.Kind),
		}})
	}

	// The slot is taken inside the job goroutine so the loop keeps draining stdin.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(ctx, 1); err != nil {
			if serr := m.send(f.ID, &ErrorResultPacket{Err: NewPacketError(err)}); serr != nil {
				m.log.Warn("failed to send result", zap.Uint32("id", f.ID), zap.Error(serr))
			}
			return
		}
		defer m.sem.Release(1)
		m.runJob(ctx, f.ID, f.Packet)
	}()
	return nil
}

func (m *Master) runJob(ctx context.Context, id uint32, job Packet) {
	ctx = WithJobLogger(ctx, m.Logger().With(zap.Stringer("job", job.Kind()), zap.Uint32("id", id)))

	res, err := runJob(ctx, m.cfg.Runner, job)
	if err != nil {
		m.log.Debug("job failed", zap.Stringer("kind", job.Kind()), zap.Uint32("id", id), zap.Error(err))
		res = &ErrorResultPacket{Err: NewPacketError(err)}
	}
	if err := m.send(id, res); err != nil {
		m.log.Error("failed to send result", zap.Uint32("id", id), zap.Error(err))
	}
}

func (m *Master) setEnv(env *EnvPacket) {
	for k, v := range env.Vars {
		if err := os.Setenv(k, v); err != nil {
			m.log.Warn("failed to apply env var", zap.String("key", k), zap.Error(err))
		}
	}
	m.remote.Store(m.newRemoteLogger(env.IsTTY))

	m.mu.Lock()
	m.env = env
	m.mu.Unlock()
	m.log.Debug("env received", zap.String("network", env.Network), zap.Bool("tty", env.IsTTY))
}

// newRemoteLogger builds a console logger that writes each entry as a LOG packet.
func (m *Master) newRemoteLogger(color bool) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if color {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(logSink{m}),
		zapcore.DebugLevel,
	)
	return zap.New(core)
}

// logSink adapts Master.Log to zapcore.WriteSyncer.
type logSink struct {
	m *Master
}

func (s logSink) Write(p []byte) (int, error) {
	if err := s.m.Log(strings.TrimRight(string(p), "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

type jobLoggerKey struct{}

// WithJobLogger attaches a logger to a job's context.
func WithJobLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, jobLoggerKey{}, l)
}

// JobLogger returns the logger attached to ctx, or a no-op logger.
func JobLogger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(jobLoggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}
