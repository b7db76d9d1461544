// Package errors holds the sentinel errors shared by the spike packages.
// Callers match them with errors.Is; implementations wrap them with context.
package errors

import "github.com/pkg/errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStoreUnavailable reports that the remote key-value store could not
	// be reached. Lock acquisition treats it as a failed attempt.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLockContention is returned when a live lease is held by someone else.
	ErrLockContention = errors.New("lock held by another owner")

	ErrNotFound    = errors.New("product not found")
	ErrSoldOut     = errors.New("sold out")
	ErrInterrupted = errors.New("critical section interrupted")
)

// Unavailable marks cause as an ErrStoreUnavailable failure. The result
// matches both ErrStoreUnavailable and cause, and errors.Cause returns
// cause.
func Unavailable(cause error) error {
	if cause == nil {
		return nil
	}
	return &unavailable{cause: cause}
}

type unavailable struct {
	cause error
}

func (e *unavailable) Error() string { return ErrStoreUnavailable.Error() + ": " + e.cause.Error() }

func (e *unavailable) Cause() error { return e.cause }

func (e *unavailable) Unwrap() error { return e.cause }

func (e *unavailable) Is(target error) bool { return target == ErrStoreUnavailable }
