package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const snapshotTimeout = 10 * time.Second

type options struct {
	snapshotEvery uint64
	snapshotKeep  int
	unknownPolicy UnknownEventPolicy
	clock         clockwork.Clock
	logger        zerolog.Logger
}

// Option configures a Repository
type Option func(*options)

// WithSnapshotEvery snapshots whenever an append crosses a multiple of n.
// Zero disables snapshots.
func WithSnapshotEvery(n uint64) Option {
	return func(o *options) { o.snapshotEvery = n }
}

// WithSnapshotRetention prunes all but the newest keep snapshots after each save
func WithSnapshotRetention(keep int) Option {
	return func(o *options) { o.snapshotKeep = keep }
}

// WithUnknownEventPolicy sets how replay treats unregistered event types
func WithUnknownEventPolicy(p UnknownEventPolicy) Option {
	return func(o *options) { o.unknownPolicy = p }
}

// WithClock sets the clock used for snapshot timestamps
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the repository logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Repository loads and saves one aggregate type
type Repository[T Root] struct {
	store        Store
	registry     *codec.Registry
	newAggregate func(id string) T
	opts         options
	pending      sync.WaitGroup
}

// NewRepository creates a repository. newAggregate must return a fresh,
// empty aggregate for the id.
func NewRepository[T Root](s Store, registry *codec.Registry, newAggregate func(id string) T, opts ...Option) *Repository[T] {
	o := options{
		snapshotEvery: store.DefaultSnapshotEvery,
		unknownPolicy: FailOnUnknown,
		clock:         clockwork.NewRealClock(),
		logger:        log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Repository[T]{
		store:        s,
		registry:     registry,
		newAggregate: newAggregate,
		opts:         o,
	}
}

// Load rebuilds an aggregate from its latest snapshot and the events after
// it. An aggregate with no history comes back at version 0.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	agg, from, err := r.restore(ctx, id)
	if err != nil {
		return zero, err
	}

	for event, err := range r.store.ReadStream(ctx, id, from) {
		if err != nil {
			return zero, fmt.Errorf("read stream %s: %w", id, err)
		}
		if err := r.replay(agg, event); err != nil {
			return zero, err
		}
	}
	return agg, nil
}

// restore returns the starting aggregate and the version to read after
func (r *Repository[T]) restore(ctx context.Context, id string) (T, uint64, error) {
	agg := r.newAggregate(id)

	snap, err := r.store.LatestSnapshot(ctx, id)
	if err != nil {
		return agg, 0, fmt.Errorf("load snapshot for %s: %w", id, err)
	}
	if snap == nil {
		return agg, 0, nil
	}

	if err := json.Unmarshal(snap.State, agg); err != nil {
		r.opts.logger.Warn().Err(err).
			Str("aggregate_id", id).
			Uint64("version", snap.AggregateVersion).
			Msg("Ignoring undecodable snapshot, replaying full stream")
		return r.newAggregate(id), 0, nil
	}
	agg.SetVersion(snap.AggregateVersion)
	return agg, snap.AggregateVersion, nil
}

func (r *Repository[T]) replay(agg T, event store.Event) error {
	if event.AggregateVersion != agg.Version()+1 {
		return fmt.Errorf("%w: %s expected version %d, got %d",
			ErrVersionGap, event.AggregateID, agg.Version()+1, event.AggregateVersion)
	}

	decoded, err := r.registry.Decode(event)
	if err != nil {
		if errors.Is(err, codec.ErrUnknownEventType) && r.opts.unknownPolicy == SkipUnknown {
			r.opts.logger.Warn().
				Str("aggregate_id", event.AggregateID).
				Uint64("version", event.AggregateVersion).
				Str("event_type", event.EventType).
				Msg("Skipping unknown event type")
			agg.SetVersion(event.AggregateVersion)
			return nil
		}
		return err
	}

	if err := agg.Apply(decoded); err != nil {
		return fmt.Errorf("apply %s to %s at version %d: %w",
			event.EventType, event.AggregateID, event.AggregateVersion, err)
	}
	agg.SetVersion(event.AggregateVersion)
	return nil
}

// Append stores events against the aggregate's current version and applies
// them to it. A stale aggregate fails with store.ErrConcurrencyConflict and is
// left unchanged.
func (r *Repository[T]) Append(ctx context.Context, agg T, md codec.Metadata, events ...codec.Event) ([]store.Event, error) {
	if len(events) == 0 {
		return nil, store.ErrEmptyAppend
	}

	encoded, err := r.registry.EncodeAll(events, md)
	if err != nil {
		return nil, err
	}

	expected := agg.Version()
	stored, err := r.store.Append(ctx, agg.AggregateID(), expected, encoded)
	if err != nil {
		return nil, err
	}

	for i, e := range events {
		if err := agg.Apply(e); err != nil {
			return stored, fmt.Errorf("apply committed %s to %s: %w", e.EventType(), agg.AggregateID(), err)
		}
		agg.SetVersion(stored[i].AggregateVersion)
	}

	r.maybeSnapshot(ctx, agg, expected)
	return stored, nil
}

// maybeSnapshot schedules a snapshot when the append crossed a threshold
func (r *Repository[T]) maybeSnapshot(ctx context.Context, agg T, before uint64) {
	every := r.opts.snapshotEvery
	version := agg.Version()
	if every == 0 || before/every == version/every {
		return
	}

	// State is captured now; the caller may keep mutating agg.
	state, err := json.Marshal(agg)
	if err != nil {
		r.opts.logger.Warn().Err(err).Str("aggregate_id", agg.AggregateID()).Msg("Failed to marshal snapshot state")
		return
	}
	snapshot := &store.Snapshot{
		AggregateID:      agg.AggregateID(),
		AggregateVersion: version,
		State:            state,
		CreatedAt:        r.opts.clock.Now(),
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
		defer cancel()

		logger := r.opts.logger.With().
			Str("aggregate_id", snapshot.AggregateID).
			Uint64("version", snapshot.AggregateVersion).
			Logger()

		if err := r.store.SaveSnapshot(saveCtx, snapshot); err != nil {
			logger.Warn().Err(err).Msg("Failed to save snapshot")
			return
		}
		logger.Debug().Msg("Snapshot saved")

		if r.opts.snapshotKeep > 0 {
			if err := r.store.PruneSnapshots(saveCtx, snapshot.AggregateID, r.opts.snapshotKeep); err != nil {
				logger.Warn().Err(err).Msg("Failed to prune snapshots")
			}
		}
	}()
}

// Wait blocks until scheduled snapshot writes have finished
func (r *Repository[T]) Wait() {
	r.pending.Wait()
}
