package blepm

import "github.com/pkg/errors"

// Error taxonomy. Callers classify with errors.Cause.
var (
	// ErrResourceExhausted means no free connection slot, no free advertising set slot,
	// or a message could not be queued.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidState means the operation does not apply to the current state,
	// e.g. an uninitialized advertising set or a double enable.
	ErrInvalidState = errors.New("invalid state")

	// ErrTransportRejected means the radio reported busy or already-in-requested-mode.
	ErrTransportRejected = errors.New("transport rejected")

	// ErrUnsupported means the operation needs a role this build does not have.
	ErrUnsupported = errors.New("unsupported")

	ErrNotFound     = errors.New("not found")
	ErrInvalidParam = errors.New("invalid parameter")
	ErrClosed       = errors.New("manager closed")
)

// Is reports whether the cause of err is target.
func Is(err, target error) bool {
	if err == nil {
		return false
	}
	return errors.Cause(err) == target
}
