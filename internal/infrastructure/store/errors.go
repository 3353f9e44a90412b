package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when the expected version does not
	// match the stream. Reload the aggregate and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStorageUnavailable wraps transport and transaction failures. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrEmptyAppend is returned when Append is called without events.
	ErrEmptyAppend = errors.New("no events to append")
	// ErrInvalidAggregateID is returned for an empty aggregate id.
	ErrInvalidAggregateID = errors.New("aggregate id is required")
	// ErrInvalidSnapshot is returned when a snapshot has no version or state.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// ConcurrencyError carries the versions involved in a conflict.
type ConcurrencyError struct {
	AggregateID string
	Expected    uint64
	Actual      uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s: aggregate %s expected version %d, current version %d",
		ErrConcurrencyConflict, e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrencyConflict }

func conflict(aggregateID string, expected, actual uint64) error {
	return &ConcurrencyError{AggregateID: aggregateID, Expected: expected, Actual: actual}
}

// unavailable marks err as a retryable storage failure.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// IsRetryable reports whether the caller may retry the operation, either
// after reloading (conflict) or after backing off (storage).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
