package mocks

import (
	"context"
	"iter"
	"sync"

	"github.com/example/fintech-ledger/internal/infrastructure/store"
)

// MockEventStore is a recording EventStoreInterface and SnapshotStoreInterface
// backed by an in-memory store
type MockEventStore struct {
	*store.MemoryEventStore

	mu sync.Mutex

	// For tracking calls in tests
	AppendCalls       []AppendCall
	SaveSnapshotCalls []store.Snapshot
	AppendErr         error
	SaveSnapshotErr   error
	AppendCallback    func(ctx context.Context, aggregateID string, expectedVersion uint64, events []store.NewEvent) ([]store.Event, error)
}

// AppendCall records parameters passed to Append
type AppendCall struct {
	AggregateID     string
	ExpectedVersion uint64
	Events          []store.NewEvent
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore(opts ...store.Option) *MockEventStore {
	return &MockEventStore{
		MemoryEventStore: store.NewMemoryEventStore(opts...),
		AppendCalls:      make([]AppendCall, 0),
	}
}

// Append records the call and delegates to the in-memory store
func (m *MockEventStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []store.NewEvent) ([]store.Event, error) {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, AppendCall{
		AggregateID:     aggregateID,
		ExpectedVersion: expectedVersion,
		Events:          events,
	})
	callback, appendErr := m.AppendCallback, m.AppendErr
	m.mu.Unlock()

	// Use callback if provided
	if callback != nil {
		return callback(ctx, aggregateID, expectedVersion, events)
	}

	// Return error if set
	if appendErr != nil {
		return nil, appendErr
	}

	return m.MemoryEventStore.Append(ctx, aggregateID, expectedVersion, events)
}

// ReadStream delegates to the in-memory store
func (m *MockEventStore) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64) iter.Seq2[store.Event, error] {
	return m.MemoryEventStore.ReadStream(ctx, aggregateID, fromVersion)
}

// SaveSnapshot records the call and delegates to the in-memory store
func (m *MockEventStore) SaveSnapshot(ctx context.Context, snapshot *store.Snapshot) error {
	m.mu.Lock()
	m.SaveSnapshotCalls = append(m.SaveSnapshotCalls, *snapshot)
	saveErr := m.SaveSnapshotErr
	m.mu.Unlock()

	if saveErr != nil {
		return saveErr
	}
	return m.MemoryEventStore.SaveSnapshot(ctx, snapshot)
}

// AppendCount returns the number of recorded Append calls
func (m *MockEventStore) AppendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AppendCalls)
}

// LastAppend returns the most recent Append call
func (m *MockEventStore) LastAppend() (AppendCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.AppendCalls) == 0 {
		return AppendCall{}, false
	}
	return m.AppendCalls[len(m.AppendCalls)-1], true
}

// SnapshotCount returns the number of recorded SaveSnapshot calls
func (m *MockEventStore) SnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SaveSnapshotCalls)
}

// Reset clears recorded calls and injected failures
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls = make([]AppendCall, 0)
	m.SaveSnapshotCalls = nil
	m.AppendErr = nil
	m.SaveSnapshotErr = nil
	m.AppendCallback = nil
}

// Seed appends raw events directly, bypassing call recording
func (m *MockEventStore) Seed(ctx context.Context, aggregateID string, events ...store.NewEvent) error {
	version, err := m.MemoryEventStore.Version(ctx, aggregateID)
	if err != nil {
		return err
	}
	_, err = m.MemoryEventStore.Append(ctx, aggregateID, version, events)
	return err
}
