package aggregate

import (
	"errors"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
)

// Root defines the interface for event-sourced aggregates
type Root interface {
	AggregateID() string
	Version() uint64
	SetVersion(uint64)
	// Apply folds a decoded event into the state. It must be deterministic
	// and must not touch anything outside the aggregate.
	Apply(codec.Event) error
}

// Store is the storage an aggregate repository needs
type Store interface {
	store.EventStoreInterface
	store.SnapshotStoreInterface
}

// UnknownEventPolicy decides what replay does with tags the registry lacks
type UnknownEventPolicy int

const (
	// FailOnUnknown aborts the load
	FailOnUnknown UnknownEventPolicy = iota
	// SkipUnknown logs the event and advances the version without applying it
	SkipUnknown
)

var (
	// ErrVersionGap is returned when a stream is not contiguous during replay
	ErrVersionGap = errors.New("aggregate stream has a version gap")
	// ErrNoEvents is returned when a command decides nothing happened
	ErrNoEvents = errors.New("command produced no events")
)
