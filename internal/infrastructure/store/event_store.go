package store

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Event represents a stored domain event
type Event struct {
	Position         int64           `json:"position"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateVersion uint64          `json:"aggregate_version"`
	EventType        string          `json:"event_type"`
	EventVersion     uint32          `json:"event_version"`
	Payload          json.RawMessage `json:"payload"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	RecordedAt       time.Time       `json:"recorded_at"`
}

// NewEvent is an event that has not been stored yet. Versions and
// timestamps are assigned by the store.
type NewEvent struct {
	EventType    string          `json:"event_type"`
	EventVersion uint32          `json:"event_version"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

func (e NewEvent) stored(aggregateID string, version uint64, at time.Time) Event {
	eventVersion := e.EventVersion
	if eventVersion == 0 {
		eventVersion = 1
	}
	return Event{
		AggregateID:      aggregateID,
		AggregateVersion: version,
		EventType:        e.EventType,
		EventVersion:     eventVersion,
		Payload:          e.Payload,
		Metadata:         e.Metadata,
		RecordedAt:       at,
	}
}

func validateAppend(aggregateID string, events []NewEvent) error {
	if aggregateID == "" {
		return ErrInvalidAggregateID
	}
	if len(events) == 0 {
		return ErrEmptyAppend
	}
	return nil
}

// Option configures a store
type Option func(*storeOptions)

type storeOptions struct {
	clock     clockwork.Clock
	publisher Publisher
	pageSize  int
}

func defaultOptions() storeOptions {
	return storeOptions{clock: clockwork.NewRealClock(), pageSize: 256}
}

// WithClock sets the clock used for recorded_at and created_at.
func WithClock(c clockwork.Clock) Option {
	return func(o *storeOptions) { o.clock = c }
}

// WithPublisher forwards committed events to p.
func WithPublisher(p Publisher) Option {
	return func(o *storeOptions) { o.publisher = p }
}

// WithPageSize bounds the number of rows fetched per read round trip.
func WithPageSize(n int) Option {
	return func(o *storeOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// publish runs after commit. The events are already durable, so a failure is
// logged rather than returned.
func publish(ctx context.Context, p Publisher, events []Event) {
	if p == nil || len(events) == 0 {
		return
	}
	if err := p.Publish(ctx, events); err != nil {
		log.Error().Err(err).
			Str("aggregate_id", events[0].AggregateID).
			Uint64("version", events[len(events)-1].AggregateVersion).
			Msg("failed to publish committed events")
	}
}

// Publishers fans committed events out to several publishers in order.
// Every publisher is called even when an earlier one fails.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, events []Event) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryEventStore keeps events and snapshots in memory
type MemoryEventStore struct {
	mu        sync.RWMutex
	events    map[string][]Event // aggregateID -> events
	snapshots map[string]map[uint64]Snapshot
	log       []Event // all events in commit order
	opts      storeOptions
}

func NewMemoryEventStore(opts ...Option) *MemoryEventStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryEventStore{
		events:    make(map[string][]Event),
		snapshots: make(map[string]map[uint64]Snapshot),
		opts:      o,
	}
}

// Append stores events if the stream is at expectedVersion
func (es *MemoryEventStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []NewEvent) ([]Event, error) {
	if err := validateAppend(aggregateID, events); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable("append", err)
	}

	es.mu.Lock()
	current := uint64(len(es.events[aggregateID]))
	if current != expectedVersion {
		es.mu.Unlock()
		return nil, conflict(aggregateID, expectedVersion, current)
	}

	now := es.opts.clock.Now().UTC()
	stored := make([]Event, len(events))
	for i, e := range events {
		ev := e.stored(aggregateID, expectedVersion+uint64(i)+1, now)
		ev.Position = int64(len(es.log)) + 1
		es.log = append(es.log, ev)
		stored[i] = ev
	}
	es.events[aggregateID] = append(es.events[aggregateID], stored...)
	es.mu.Unlock()

	publish(ctx, es.opts.publisher, stored)
	return stored, nil
}

// ReadStream returns events for an aggregate after fromVersion
func (es *MemoryEventStore) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		es.mu.RLock()
		stream := es.events[aggregateID]
		var tail []Event
		if fromVersion < uint64(len(stream)) {
			tail = append(tail, stream[fromVersion:]...)
		}
		es.mu.RUnlock()

		for _, e := range tail {
			if err := ctx.Err(); err != nil {
				yield(Event{}, unavailable("read stream", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Version returns the current version of an aggregate
func (es *MemoryEventStore) Version(ctx context.Context, aggregateID string) (uint64, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return uint64(len(es.events[aggregateID])), nil
}

// ReadAll returns events after a global position
func (es *MemoryEventStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if afterPosition < 0 {
		afterPosition = 0
	}
	if afterPosition >= int64(len(es.log)) {
		return nil, nil
	}
	all := es.log[afterPosition:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return append([]Event(nil), all...), nil
}

// SaveSnapshot stores a snapshot, replacing one at the same version
func (es *MemoryEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := snapshot.validate(); err != nil {
		return err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if snapshot.AggregateVersion > uint64(len(es.events[snapshot.AggregateID])) {
		return ErrInvalidSnapshot
	}
	if es.snapshots[snapshot.AggregateID] == nil {
		es.snapshots[snapshot.AggregateID] = make(map[uint64]Snapshot)
	}
	s := *snapshot
	if s.CreatedAt.IsZero() {
		s.CreatedAt = es.opts.clock.Now().UTC()
	}
	es.snapshots[snapshot.AggregateID][snapshot.AggregateVersion] = s
	return nil
}

// LatestSnapshot returns the newest snapshot for an aggregate
func (es *MemoryEventStore) LatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	current := uint64(len(es.events[aggregateID]))
	var latest *Snapshot
	for v, s := range es.snapshots[aggregateID] {
		if v > current {
			continue
		}
		if latest == nil || v > latest.AggregateVersion {
			snap := s
			latest = &snap
		}
	}
	return latest, nil
}

// PruneSnapshots keeps only the newest snapshots of an aggregate
func (es *MemoryEventStore) PruneSnapshots(ctx context.Context, aggregateID string, keep int) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	byVersion := es.snapshots[aggregateID]
	if len(byVersion) <= keep {
		return nil
	}
	versions := make([]uint64, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	for _, v := range versions[max(keep, 0):] {
		delete(byVersion, v)
	}
	return nil
}
