package store

// ReadStoreInterface defines the interface for read model storage
type ReadStoreInterface interface {
	// Get retrieves a read model by id
	Get(collection, id string) (any, bool)

	// GetAll retrieves all items in a collection
	GetAll(collection string) []any

	// Upsert passes the current model (nil when absent) to fn and stores the
	// result. fn returns false to leave the collection untouched.
	Upsert(collection, id string, fn func(current any, found bool) (any, bool)) bool

	// Reset drops every collection before a rebuild
	Reset()
}
