package jobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for job store operations.
var (
	// ErrNotFound indicates the job or item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a transition from an incompatible status.
	ErrConflict = errors.New("conflict")
)

// StoreError wraps a persistence failure.
type StoreError struct {
	// Op is the operation that failed (e.g., "create job").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("job store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing job or item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error indicates an invalid transition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsStoreError returns true if persistence failed.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || IsStoreError(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
