package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks configuration problems detected before any write.
	ErrConfig = errors.New("invalid configuration")
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for illegal run or dump state changes.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// TransientError wraps an infrastructure failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConfigError builds an ErrConfig-wrapped error.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
