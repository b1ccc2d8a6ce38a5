package call

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error matches exactly one of these through errors.Is.
var (
	ErrConflict   = errors.New("call already in progress")
	ErrCapture    = errors.New("local media unavailable")
	ErrSignaling  = errors.New("invalid signaling payload")
	ErrTransport  = errors.New("transport failure")
	ErrStaleState = errors.New("stale call session")
)

// Error is a classified call error.
type Error struct {
	Kind   error  // one of the Err* sentinels
	Op     string // operation that failed, e.g. "initiate"
	CallID string
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.CallID != "" {
		msg = fmt.Sprintf("%s (call %s)", msg, e.CallID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func newError(kind error, op, callID string, err error) *Error {
	return &Error{Kind: kind, Op: op, CallID: callID, Err: err}
}

// Conflict builds a ConflictError.
func Conflict(op, callID string, err error) error { return newError(ErrConflict, op, callID, err) }

// Capture builds a CaptureError.
func Capture(op string, err error) error { return newError(ErrCapture, op, "", err) }

// Signaling builds a SignalingError.
func Signaling(op, callID string, err error) error { return newError(ErrSignaling, op, callID, err) }

// Transport builds a TransportError.
func Transport(op, callID string, err error) error { return newError(ErrTransport, op, callID, err) }

// Stale builds a StaleStateError.
func Stale(op, callID string) error { return newError(ErrStaleState, op, callID, nil) }

// UserVisible reports whether err should be shown to the user. Only capture
// failures and final transport failures are; everything else is recovered or
// dropped internally.
func UserVisible(err error) bool {
	return errors.Is(err, ErrCapture) || errors.Is(err, ErrTransport)
}
