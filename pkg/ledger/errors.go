package ledger

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation reports a data-integrity breach: a raw segment bound
// to more than one refined segment. It is never recovered automatically.
var ErrInvariantViolation = errors.New("ledger: invariant violation")

// ErrAlreadyConsumed is returned when a usage write collides with an existing
// usage record. It wraps [ErrInvariantViolation] because the write, had it
// succeeded, would have broken exclusive consumption.
var ErrAlreadyConsumed = fmt.Errorf("%w: raw segment already consumed", ErrInvariantViolation)

// ErrAlreadyLocked is returned when a phase-1 row is written for a group that
// already has a locked row. Lock state is monotonic, so the write is refused.
var ErrAlreadyLocked = fmt.Errorf("%w: group already locked", ErrInvariantViolation)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// StorageError wraps a backend failure (unreachable database, transaction
// conflict). The scheduler aborts the affected session's sweep and retries on
// the next tick.
type StorageError struct {
	// Op names the ledger operation, e.g. "close group".
	Op  string
	Err error
}

// Error implements error.
func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying backend error.
func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns err wrapped in a [StorageError] for op. nil stays nil, and
// errors that already carry a ledger sentinel are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is a [StorageError].
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
