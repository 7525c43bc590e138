package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the resource no longer exists upstream. Callers treat
	// it as authoritative and tear down local state.
	ErrNotFound = errors.New("resource does not exist")

	// ErrAlreadyConnected is returned when another instance of the same
	// runner identity holds the connection lock.
	ErrAlreadyConnected = errors.New("runner already connected")

	// ErrConflict is returned when a new resource reuses an id that is
	// already taken
	ErrConflict = errors.New("resource already exists")

	// ErrUnauthorized is returned for missing or invalid credentials
	ErrUnauthorized = errors.New("unauthorized")
)

// TransientError wraps a failure that is expected to clear on its own, such
// as a network error or an unavailable dependency.
type TransientError struct {
	Err error
	// RetryAfter is a hint; zero means the caller picks its own delay.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// InternalError is an unexpected failure inside the service
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is or wraps a TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsInternal reports whether err is or wraps an InternalError
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}
