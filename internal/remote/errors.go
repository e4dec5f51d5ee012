package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by input calls before a usable device exists.
	ErrNotReady = errors.New("remote: session not ready")
	// ErrSessionClosed is returned once the session was torn down. A new
	// session is required.
	ErrSessionClosed = errors.New("remote: session closed")
	// ErrTimeout is returned when a round trip or the permission request
	// did not finish in time. The session stays usable.
	ErrTimeout = errors.New("remote: timeout")
	// ErrPermissionDenied is returned when the user or the broker refused
	// access. Retrying needs new consent.
	ErrPermissionDenied = errors.New("remote: permission denied")

	ErrMalformed       = errors.New("malformed message")
	ErrUnexpectedState = errors.New("unexpected message")
)

// ProtocolError is fatal to the session that produced it.
type ProtocolError struct {
	Err    error // ErrMalformed or ErrUnexpectedState
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("remote: protocol error: %v: %s", e.Err, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func unexpected(format string, a ...any) *ProtocolError {
	return &ProtocolError{Err: ErrUnexpectedState, Detail: fmt.Sprintf(format, a...)}
}
