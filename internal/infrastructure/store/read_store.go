package store

import (
	"sync"
)

// ReadStore is an in-memory read model store
type ReadStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any // collection -> id -> data
}

func NewReadStore() *ReadStore {
	return &ReadStore{
		data: make(map[string]map[string]any),
	}
}

// Get retrieves a read model by id
func (rs *ReadStore) Get(collection, id string) (any, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	data, ok := rs.data[collection][id]
	return data, ok
}

// GetAll retrieves all items in a collection
func (rs *ReadStore) GetAll(collection string) []any {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	items := make([]any, 0, len(rs.data[collection]))
	for _, item := range rs.data[collection] {
		items = append(items, item)
	}
	return items
}

// Upsert applies fn to the current model under the write lock
func (rs *ReadStore) Upsert(collection, id string, fn func(current any, found bool) (any, bool)) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	current, found := rs.data[collection][id]
	next, ok := fn(current, found)
	if !ok {
		return false
	}
	if rs.data[collection] == nil {
		rs.data[collection] = make(map[string]any)
	}
	rs.data[collection][id] = next
	return true
}

// Reset drops all collections
func (rs *ReadStore) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.data = make(map[string]map[string]any)
}
