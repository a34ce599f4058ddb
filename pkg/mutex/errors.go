package mutex

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound classifies a record that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTimeout is returned when a single-record acquisition exceeds its deadline.
	ErrTimeout = errors.New("lease acquisition timed out")
	// ErrAlreadyExists is returned by non-overwriting inserts on an existing key.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotInitialized classifies components used before construction completed.
	ErrNotInitialized = errors.New("not initialized")
	// ErrClosed classifies operations performed on closed executors.
	ErrClosed = errors.New("executor closed")
)

func mutexError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// NewError builds an error of the given kind; used by executor packages so
// callers can match with errors.Is.
func NewError(kind error, format string, args ...interface{}) error {
	return mutexError(kind, fmt.Sprintf(format, args...))
}
