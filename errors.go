package cryptopool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWorkerDestroyed is returned for every job still pending when its worker is torn down.
	ErrWorkerDestroyed = errors.New("worker destroyed")
	// ErrJobTimedOut is the sentinel behind JobTimeoutError.
	ErrJobTimedOut = errors.New("job timed out")
	// ErrPoolClosed is returned by a pool after Close.
	ErrPoolClosed = errors.New("pool closed")
	// ErrNoRunner is returned when a job must run inline but no JobRunner was configured.
	ErrNoRunner = errors.New("no inline job runner configured")
)

// MalformedPacketError reports a payload that does not match its kind's layout.
type MalformedPacketError struct {
	Kind   PacketKind
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed %s packet: %s", e.Kind, e.Reason)
}

// UnknownPacketKindError reports a kind byte outside the closed enumeration.
type UnknownPacketKindError struct {
	Kind PacketKind
}

func (e *UnknownPacketKindError) Error() string {
	return fmt.Sprintf("unknown packet kind %d", uint8(e.Kind))
}

// OversizedPacketError reports a payload or field that does not fit its 32-bit length.
type OversizedPacketError struct {
	Kind PacketKind
	Size uint64
}

func (e *OversizedPacketError) Error() string {
	return fmt.Sprintf("%s packet too large: %d bytes", e.Kind, e.Size)
}

// FramingError reports a corrupted frame on the stream.
type FramingError struct {
	Message string
	Err     error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return "framing error: " + e.Message + ": " + e.Err.Error()
	}
	return "framing error: " + e.Message
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *FramingError) Unwrap() error {
	return e.Err
}

// ProtocolError is fatal to the worker that observed it.
type ProtocolError struct {
	Slot    int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("worker %d protocol violation: %s", e.Slot, e.Message)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// JobTimeoutError is returned when a job's timer fires before its result arrives.
type JobTimeoutError struct {
	Kind    PacketKind
	ID      uint32
	Timeout time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("%s job %d timed out after %v", e.Kind, e.ID, e.Timeout)
}

// Unwrap returns ErrJobTimedOut.
func (e *JobTimeoutError) Unwrap() error {
	return ErrJobTimedOut
}

// WorkerExitError is returned for jobs pending when the child process exited.
type WorkerExitError struct {
	Slot int
	Code int
}

func (e *WorkerExitError) Error() string {
	return fmt.Sprintf("worker %d exited with code %d", e.Slot, e.Code)
}

// Unwrap returns ErrWorkerDestroyed.
func (e *WorkerExitError) Unwrap() error {
	return ErrWorkerDestroyed
}

// UnexpectedResultError is returned when a job resolves with the wrong packet type.
type UnexpectedResultError struct {
	Want PacketKind
	Got  PacketKind
}

func (e *UnexpectedResultError) Error() string {
	return fmt.Sprintf("expected %s result, got %s", e.Want, e.Got)
}

// PacketError is an error carried across the process boundary, either as the body of an
// ERROR / ERROR_RESULT packet or inside a CHECK_RESULT.
type PacketError struct {
	Type    string
	Message string
	Code    string
	Stack   string
}

func (e *PacketError) Error() string {
	msg := e.Message
	if e.Type != "" {
		msg = e.Type + ": " + msg
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return msg
}

// NewPacketError converts any error into its wire representation.
func NewPacketError(err error) *PacketError {
	var pe *PacketError
	if errors.As(err, &pe) {
		return pe
	}
	return &PacketError{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}
