package workstate

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across store backends.
var (
	// ErrNotFound is returned when a work item does not exist.
	ErrNotFound = errors.New("work item not found")

	// ErrCompletedImmutable is returned on attempts to mutate a done item
	// beyond artifact appends.
	ErrCompletedImmutable = errors.New("completed work item is immutable")
)

// NotFoundError wraps ErrNotFound with the missing id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("work item not found: %s", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConcurrentUpdateError is returned when an update carries a stale expected
// version. Callers reload and retry.
type ConcurrentUpdateError struct {
	ItemID   string
	Expected int64
	Actual   int64
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("concurrent update on %s: expected version %d, actual %d", e.ItemID, e.Expected, e.Actual)
}

// ValidationError reports bad input: an invalid transition, unknown agent
// role, or malformed data.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsConflict reports whether err is an optimistic-locking conflict.
func IsConflict(err error) bool {
	var cue *ConcurrentUpdateError
	return errors.As(err, &cue)
}
