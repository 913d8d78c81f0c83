package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrDuplicateSubdomain indicates the requested subdomain is already
	// held by a non-closed binding.
	ErrDuplicateSubdomain = errors.New("subdomain already in use")

	// ErrInvalidTarget means the supplied local target or requested
	// subdomain is malformed.
	ErrInvalidTarget = errors.New("invalid local target")

	// ErrResourceExhausted is returned when the broker cannot allocate a
	// subdomain or remote endpoint within its configured bounds.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound means the requested binding or session does not exist.
	ErrNotFound = errors.New("binding not found")

	// ErrTransport marks transient connection-level failures. The client
	// reconnect loop retries these indefinitely with backoff.
	ErrTransport = errors.New("transport error")

	// ErrTimeout marks a connect or acknowledgment wait that exceeded its
	// configured deadline. Transient, handled like [ErrTransport].
	ErrTimeout = errors.New("timed out")

	// ErrSyncFailed indicates the routing synchronizer could not push a
	// route to the external proxy. Advisory: it never affects binding
	// lifecycle.
	ErrSyncFailed = errors.New("routing sync failed")
)

// Transient reports whether err is a retriable connection-level failure.
func Transient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// BindingError wraps an underlying error with binding context.
type BindingError struct {
	BindingID string
	Op        string
	Err       error
}

func (e *BindingError) Error() string {
	if e.BindingID != "" {
		return fmt.Sprintf("binding %s: %s: %v", e.BindingID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BindingError) Unwrap() error {
	return e.Err
}
