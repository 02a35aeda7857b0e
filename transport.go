package cryptopool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrTransportClosed is returned by Send after the transport was terminated or exited.
var ErrTransportClosed = errors.New("transport closed")

// Transport is a byte pipe to one child process.
type Transport interface {
	// Send queues b for the child. It must be safe for concurrent use and must not block on
	// the child reading; write failures are reported through HandleError. The transport
	// owns b after the call.
	Send(b []byte) error
	// Terminate asks the child to exit. It is idempotent and never blocks.
	Terminate() error
	// Pid returns the child's process id, or 0 if there is none.
	Pid() int
}

// TransportHandler receives a transport's events. HandleData calls arrive in stream order
// from a single goroutine and the slice is only valid for the duration of the call.
// HandleExit is called at most once, after the last HandleData. HandleError may arrive from
// the writer goroutine.
type TransportHandler interface {
	HandleData(b []byte)
	HandleExit(code int)
	HandleError(err error)
}

// Spawner starts a transport for a pool slot.
type Spawner func(slot int, h TransportHandler) (Transport, error)

// DefaultKillGrace is how long Terminate waits for a child before killing it.
const DefaultKillGrace = 2 * time.Second

// ProcessSpawner starts child processes that speak the protocol on stdin/stdout.
type ProcessSpawner struct {
	Path      string
	Args      []string
	Env       []string
	KillGrace time.Duration
	// Stderr receives the child's stderr. Defaults to os.Stderr.
	Stderr   io.Writer
	Registry *ProcessRegistry
	Logger   *zap.Logger
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(slot int, h TransportHandler) (Transport, error) {
	if s.Path == "" {
		return nil, fmt.Errorf("no worker executable configured")
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("CRYPTOPOOL_SLOT=%d", slot))
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	grace := s.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cp := &ChildProcess{
		slot:      slot,
		cmd:       cmd,
		stdin:     stdin,
		handler:   h,
		registry:  s.Registry,
		killGrace: grace,
		log:       logger.With(zap.Int("slot", slot), zap.Int("pid", cmd.Process.Pid)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if cp.registry != nil {
		cp.regID = cp.registry.add(slot, cmd.Process.Pid, cp)
	}

	go cp.readLoop(stdout)
	go cp.writeLoop()

	return cp, nil
}

// ChildProcess is the Transport for one spawned process.
type ChildProcess struct {
	slot      int
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	handler   TransportHandler
	registry  *ProcessRegistry
	regID     string
	killGrace time.Duration
	log       *zap.Logger

	mu          sync.Mutex
	exited      bool
	terminating bool
	queue       [][]byte
	wake        chan struct{}
	done        chan struct{}
}

func (c *ChildProcess) readLoop(stdout io.Reader) {
	buf := make([]byte, 64*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			c.handler.HandleData(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.handler.HandleError(fmt.Errorf("read from child: %w", err))
			}
			break
		}
	}

	waitErr := c.cmd.Wait()
	code := c.cmd.ProcessState.ExitCode()

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		c.handler.HandleError(fmt.Errorf("wait for child: %w", waitErr))
	}

	c.mu.Lock()
	c.exited = true
	c.mu.Unlock()
	close(c.done)

	if c.registry != nil {
		c.registry.remove(c.regID)
	}
	c.log.Debug("child exited", zap.Int("code", code))
	c.handler.HandleExit(code)
}

// Send implements Transport. Frames are written in order by a dedicated goroutine, so a
// child that stops reading stdin never blocks the caller.
func (c *ChildProcess) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited || c.terminating {
		return ErrTransportClosed
	}
	c.queue = append(c.queue, b)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *ChildProcess) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}

		for {
			c.mu.Lock()
			batch := c.queue
			c.queue = nil
			stopping := c.exited || c.terminating
			c.mu.Unlock()
			if len(batch) == 0 || stopping {
				break
			}

			for _, b := range batch {
				if _, err := c.stdin.Write(b); err != nil {
					c.mu.Lock()
					stopping := c.exited || c.terminating
					c.mu.Unlock()
					if !stopping {
						c.handler.HandleError(fmt.Errorf("write to child: %w", err))
					}
					return
				}
			}
		}
	}
}

// Terminate implements Transport. It closes stdin, sends SIGTERM and kills the process if
// it is still running after the grace period.
func (c *ChildProcess) Terminate() error {
	c.mu.Lock()
	if c.exited || c.terminating {
		c.mu.Unlock()
		return nil
	}
	c.terminating = true
	c.mu.Unlock()

	_ = c.stdin.Close()
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.log.Debug("signal failed, killing", zap.Error(err))
		_ = c.cmd.Process.Kill()
	}

	go func() {
		select {
		case <-c.done:
		case <-time.After(c.killGrace):
			c.log.Warn("child ignored SIGTERM, killing")
			_ = c.cmd.Process.Kill()
		}
	}()
	return nil
}

// Pid implements Transport.
func (c *ChildProcess) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Done is closed once the process has exited and its exit has been reported.
func (c *ChildProcess) Done() <-chan struct{} {
	return c.done
}
