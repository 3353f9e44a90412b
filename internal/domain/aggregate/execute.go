package aggregate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
)

// DefaultMaxAttempts bounds how often Execute reloads after a conflict
const DefaultMaxAttempts = 5

// Decision inspects the current state and returns the events to record
type Decision[T Root] func(agg T) ([]codec.Event, error)

type executeOptions struct {
	maxAttempts uint
	backOff     func() backoff.BackOff
}

// ExecuteOption configures Execute
type ExecuteOption func(*executeOptions)

// WithMaxAttempts sets the total number of load-decide-append attempts
func WithMaxAttempts(n uint) ExecuteOption {
	return func(o *executeOptions) { o.maxAttempts = n }
}

// WithBackOff sets the delay policy between attempts
func WithBackOff(b func() backoff.BackOff) ExecuteOption {
	return func(o *executeOptions) { o.backOff = b }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

// Execute loads the aggregate, asks decide for new events and appends them.
// A concurrency conflict reloads and decides again; every other error,
// including the ones decide returns, stops immediately.
func Execute[T Root](ctx context.Context, repo *Repository[T], id string, md codec.Metadata, decide Decision[T], opts ...ExecuteOption) (T, error) {
	o := executeOptions{maxAttempts: DefaultMaxAttempts, backOff: defaultBackOff}
	for _, opt := range opts {
		opt(&o)
	}

	attempt := 0
	operation := func() (T, error) {
		var zero T
		attempt++

		agg, err := repo.Load(ctx, id)
		if err != nil {
			return zero, backoff.Permanent(err)
		}

		events, err := decide(agg)
		if err != nil {
			return zero, backoff.Permanent(err)
		}
		if len(events) == 0 {
			return zero, backoff.Permanent(ErrNoEvents)
		}

		if _, err := repo.Append(ctx, agg, md, events...); err != nil {
			if errors.Is(err, store.ErrConcurrencyConflict) {
				repo.opts.logger.Debug().
					Err(err).
					Str("aggregate_id", id).
					Int("attempt", attempt).
					Msg("Concurrency conflict, retrying")
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}
		return agg, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(o.backOff()),
		backoff.WithMaxTries(o.maxAttempts),
	)
}
