package mocks

import (
	"sync"
)

// MockReadStore is a mock implementation of store.ReadStoreInterface for testing
type MockReadStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any // collection -> id -> data

	// For tracking calls in tests
	UpsertCalls []UpsertCall
	ResetCalls  int
}

// UpsertCall records parameters passed to Upsert and whether it wrote
type UpsertCall struct {
	Collection string
	ID         string
	Applied    bool
}

// NewMockReadStore creates a new MockReadStore
func NewMockReadStore() *MockReadStore {
	return &MockReadStore{
		data:        make(map[string]map[string]any),
		UpsertCalls: make([]UpsertCall, 0),
	}
}

// Get retrieves a read model by id
func (m *MockReadStore) Get(collection, id string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[collection][id]
	return data, ok
}

// GetAll retrieves all items in a collection
func (m *MockReadStore) GetAll(collection string) []any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]any, 0, len(m.data[collection]))
	for _, item := range m.data[collection] {
		items = append(items, item)
	}
	return items
}

// Upsert applies fn to the current model
func (m *MockReadStore) Upsert(collection, id string, fn func(current any, found bool) (any, bool)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, found := m.data[collection][id]
	next, ok := fn(current, found)
	m.UpsertCalls = append(m.UpsertCalls, UpsertCall{Collection: collection, ID: id, Applied: ok})
	if !ok {
		return false
	}
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]any)
	}
	m.data[collection][id] = next
	return true
}

// Reset clears all data
func (m *MockReadStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]map[string]any)
	m.ResetCalls++
}

// SetData sets data directly for testing
func (m *MockReadStore) SetData(collection, id string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]any)
	}
	m.data[collection][id] = data
}

// SkippedUpserts counts Upsert calls that left the store untouched
func (m *MockReadStore) SkippedUpserts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.UpsertCalls {
		if !c.Applied {
			n++
		}
	}
	return n
}
