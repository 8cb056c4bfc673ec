package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrReceiverGone is returned by Stream.Send once the caller closed the stream.
	ErrReceiverGone = errors.New("dispatch: receiver gone")
	// ErrStreamClosed is returned by Stream.Recv after the caller's own Close.
	ErrStreamClosed = errors.New("dispatch: stream closed")
	// ErrQueueClosed signals the batch queue was closed under a running consumer.
	ErrQueueClosed = errors.New("dispatch: batch queue closed")
	// ErrControlClosed signals the control stream could not accept a message.
	ErrControlClosed = errors.New("dispatch: control stream closed")
	// ErrSessionDropped finishes a parked request whose session was dropped
	// before it could start.
	ErrSessionDropped = errors.New("dispatch: session dropped")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	// ErrDispatcherStopped finishes every stream still open when Run returns.
	// It wraps the reason Run stopped.
	ErrDispatcherStopped = errors.New("dispatch: dispatcher stopped")
	ErrAlreadyRunning = errors.New("dispatch: dispatcher already running")
)

// ProtocolViolationError reports a broken invariant between the manager and
// the decode loop. It is fatal: the dispatcher stops.
type ProtocolViolationError struct {
	ID     SessionID
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("dispatch: protocol violation for session %d: %s", uint64(e.ID), e.Reason)
}

// IsProtocolViolation reports whether err is (or wraps) a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return errors.As(err, &pv)
}

// BackendError wraps a failure returned by Backend.Decode or Backend.Sample.
// The batch that hit it is abandoned; the dispatcher keeps running.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return "dispatch: backend " + e.Op + ": " + e.Err.Error() }

func (e *BackendError) Unwrap() error { return e.Err }

// IsBackendError reports whether err is (or wraps) a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
