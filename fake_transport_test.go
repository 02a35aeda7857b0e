package cryptopool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory child. It records every frame the worker sends and, when
// respond is set, answers job frames from its own goroutine the way a real reader would.
type fakeTransport struct {
	slot    int
	pid     int
	h       TransportHandler
	respond func(f Frame) Packet

	mu         sync.Mutex
	parser     *Parser
	sent       []Frame
	terminated bool
	sendErr    error
	inbox      chan Frame
	exited     chan struct{}
}

func newFakeTransport(slot int, h TransportHandler, respond func(Frame) Packet) *fakeTransport {
	ft := &fakeTransport{
		slot:    slot,
		pid:     1000 + slot,
		h:       h,
		respond: respond,
		parser:  NewParser(0),
		inbox:   make(chan Frame, 1024),
		exited:  make(chan struct{}),
	}
	go ft.loop()
	return ft
}

func (f *fakeTransport) loop() {
	for fr := range f.inbox {
		if f.respond == nil || !fr.Kind.IsJob() {
			continue
		}
		if p := f.respond(fr); p != nil {
			frame, err := EncodeFrame(fr.ID, p)
			if err != nil {
				panic(err)
			}
			f.h.HandleData(frame)
		}
	}
	f.h.HandleExit(0)
	close(f.exited)
}

func (f *fakeTransport) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated {
		return ErrTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	frames, err := f.parser.Feed(b)
	if err != nil {
		return err
	}
	for _, fr := range frames {
		f.sent = append(f.sent, fr)
		f.inbox <- fr
	}
	return nil
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.terminated {
		f.terminated = true
		close(f.inbox)
	}
	return nil
}

// failSends makes every later Send fail with err while the child stays up.
func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) Pid() int {
	return f.pid
}

func (f *fakeTransport) isTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

func (f *fakeTransport) sentFrames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.sent...)
}

// waitSent blocks until at least n frames were sent and returns them.
func (f *fakeTransport) waitSent(t *testing.T, n int) []Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.sentFrames()) >= n },
		2*time.Second, time.Millisecond)
	return f.sentFrames()
}

// reply delivers a frame as if the child had written it.
func (f *fakeTransport) reply(t *testing.T, id uint32, p Packet) {
	t.Helper()
	frame, err := EncodeFrame(id, p)
	require.NoError(t, err)
	f.h.HandleData(frame)
}

// fakeSpawner hands out fake transports and remembers them by spawn order.
type fakeSpawner struct {
	respond func(Frame) Packet
	err     error

	mu         sync.Mutex
	transports []*fakeTransport
}

func (s *fakeSpawner) Spawn(slot int, h TransportHandler) (Transport, error) {
	if s.err != nil {
		return nil, s.err
	}
	ft := newFakeTransport(slot, h, s.respond)
	s.mu.Lock()
	s.transports = append(s.transports, ft)
	s.mu.Unlock()
	return ft, nil
}

func (s *fakeSpawner) spawned() []*fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTransport(nil), s.transports...)
}

// answer is a respond func that serves EC_SIGN and SCRYPT jobs with recognizable results.
func answer(f Frame) Packet {
	switch p := f.Packet.(type) {
	case *ECSignPacket:
		return &ECSignResultPacket{Sig: append([]byte("sig:"), p.Msg...)}
	case *ScryptPacket:
		return &ScryptResultPacket{Key: append([]byte("key:"), p.Passwd...)}
	case *ECVerifyPacket:
		return &ECVerifyResultPacket{Value: true}
	case *CheckPacket:
		if len(p.Tx) == 0 {
			return &CheckResultPacket{Err: &PacketError{Type: "VerifyError", Message: "empty tx"}}
		}
		return &CheckResultPacket{}
	}
	return &ErrorResultPacket{Err: &PacketError{Message: "unsupported " + f.Kind.String()}}
}
