package lease

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrStaleHandle is returned by every call made through a handle whose lease was revoked.
var ErrStaleHandle = errors.New("resource no longer available, did you forget to release and reacquire?")

// StaleHandleError describes the revoked lease behind a failed call.
// It matches ErrStaleHandle with errors.Is.
type StaleHandleError struct {
	Holder   string
	LeaseID  uuid.UUID
	Borrower Borrower
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("%s: lease %s of %s: %v", e.Holder, e.LeaseID, e.Borrower, ErrStaleHandle)
}

func (e *StaleHandleError) Unwrap() error {
	return ErrStaleHandle
}

// ConfigurationError reports a leak detection setting that could not be used.
// Leak detection falls back to disabled when one is returned.
type ConfigurationError struct {
	Setting string
	Value   string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid leak detection setting %s=%q: %v", e.Setting, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
