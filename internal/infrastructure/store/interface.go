package store

import (
	"context"
	"iter"
)

// EventStoreInterface defines the interface for event stores
type EventStoreInterface interface {
	// Append writes events after expectedVersion as a single unit. The first
	// event receives expectedVersion+1.
	Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []NewEvent) ([]Event, error)

	// ReadStream yields the aggregate's events with a version greater than
	// fromVersion in ascending order. A missing aggregate yields nothing.
	ReadStream(ctx context.Context, aggregateID string, fromVersion uint64) iter.Seq2[Event, error]

	// Version returns the current version of an aggregate, 0 when it has no events.
	Version(ctx context.Context, aggregateID string) (uint64, error)
}

// SnapshotStoreInterface defines the interface for snapshot stores
type SnapshotStoreInterface interface {
	// SaveSnapshot upserts a snapshot keyed by aggregate id and version.
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error

	// LatestSnapshot returns the newest snapshot not ahead of the stream, or nil.
	LatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// PruneSnapshots deletes all but the newest keep snapshots of an aggregate.
	PruneSnapshots(ctx context.Context, aggregateID string, keep int) error
}

// GlobalReader exposes the store-wide feed in commit order. It backs
// projector rebuilds.
type GlobalReader interface {
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]Event, error)
}

// Publisher receives events after they have been committed.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

var (
	_ EventStoreInterface    = (*MemoryEventStore)(nil)
	_ EventStoreInterface    = (*SQLEventStore)(nil)
	_ EventStoreInterface    = (*DynamoEventStore)(nil)
	_ SnapshotStoreInterface = (*MemoryEventStore)(nil)
	_ SnapshotStoreInterface = (*SQLEventStore)(nil)
	_ SnapshotStoreInterface = (*DynamoEventStore)(nil)
	_ GlobalReader           = (*MemoryEventStore)(nil)
	_ GlobalReader           = (*SQLEventStore)(nil)
	_ ReadStoreInterface     = (*ReadStore)(nil)
)
