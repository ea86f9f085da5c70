package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions callers are expected to branch on.
// Wrap them with fmt.Errorf("...: %w", ...) so errors.Is still matches.
var (
	// ErrNotFound means the record or reconciliation does not exist in the
	// index (or has been tombstoned). Not retriable.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the caller lacks rights for the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation means required input or configuration is missing or
	// malformed. Surfaced immediately, never retried.
	ErrValidation = errors.New("validation failed")
)

// TransientError marks a retriable failure: a network timeout, connection
// error, or remote 5xx. A transient failure is never evidence that a record
// was deleted.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
