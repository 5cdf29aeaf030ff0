package patient

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the record does not exist in the store
	ErrNotFound = errors.New("patient record not found")
	// ErrConflict means the record changed since it was read
	ErrConflict = errors.New("patient record was modified concurrently")
	// ErrPersistence covers backing-store failures, timeouts included
	ErrPersistence = errors.New("persistence failure")
)

// PersistenceError wraps a store failure with the operation that hit it
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the cause
func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistence
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Timeout reports whether the failure was a deadline
func (e *PersistenceError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// WrapPersistence wraps err unless it is already a domain error
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
