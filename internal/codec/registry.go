// Package codec converts domain events to and from stored event records.
//
// A Registry maps each event type tag to the Go type that decodes it and to
// the chain of upcasters that lift older payload revisions to the current
// one. Registries are built at startup and passed to the components that
// need them; there is no package-level registry.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/fintech-ledger/internal/infrastructure/store"
)

var (
	// ErrUnknownEventType is returned when no schema is registered for a tag
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrSerialization is returned when a payload cannot be encoded or decoded
	ErrSerialization = errors.New("serialization error")
	// ErrDuplicateEventType is returned when a tag is registered twice
	ErrDuplicateEventType = errors.New("event type already registered")
)

// Event is a domain event that knows its own type tag
type Event interface {
	EventType() string
}

// Upcaster rewrites a payload from one schema revision to the next
type Upcaster func(payload json.RawMessage) (json.RawMessage, error)

type schema struct {
	eventType string
	version   uint32
	decode    func(json.RawMessage) (Event, error)
	upcasters map[uint32]Upcaster // keyed by the revision they upgrade from
}

// Registry resolves event type tags to schemas
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*schema
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*schema),
		aliases: make(map[string]string),
	}
}

// SchemaOption customises a registration
type SchemaOption func(*schema)

// WithVersion sets the current schema revision. Defaults to 1.
func WithVersion(v uint32) SchemaOption {
	return func(s *schema) { s.version = v }
}

// WithUpcaster registers fn to lift payloads stored at revision from to from+1.
func WithUpcaster(from uint32, fn Upcaster) SchemaOption {
	return func(s *schema) { s.upcasters[from] = fn }
}

// Register binds the event type T to its tag
func Register[T Event](r *Registry, opts ...SchemaOption) error {
	var zero T
	s := &schema{
		eventType: zero.EventType(),
		version:   1,
		upcasters: make(map[uint32]Upcaster),
		decode: func(payload json.RawMessage) (Event, error) {
			var e T
			if err := json.Unmarshal(payload, &e); err != nil {
				return nil, err
			}
			return e, nil
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.eventType == "" {
		return fmt.Errorf("register %T: empty event type", zero)
	}
	for from := uint32(1); from < s.version; from++ {
		if s.upcasters[from] == nil {
			return fmt.Errorf("register %s: missing upcaster from version %d", s.eventType, from)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.eventType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEventType, s.eventType)
	}
	r.schemas[s.eventType] = s
	return nil
}

// MustRegister is Register for startup wiring
func MustRegister[T Event](r *Registry, opts ...SchemaOption) {
	if err := Register[T](r, opts...); err != nil {
		panic(err)
	}
}

// AddAlias maps a legacy type tag onto a registered one
func (r *Registry) AddAlias(alias, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schemas[eventType]; !ok {
		return fmt.Errorf("%w: alias %s targets %s", ErrUnknownEventType, alias, eventType)
	}
	if _, ok := r.schemas[alias]; ok {
		return fmt.Errorf("%w: alias %s shadows a registered type", ErrDuplicateEventType, alias)
	}
	r.aliases[alias] = eventType
	return nil
}

// Knows reports whether a tag, or an alias of one, is registered
func (r *Registry) Knows(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.lookup(eventType)
	return ok
}

// Types lists the registered tags in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) lookup(eventType string) (*schema, bool) {
	if s, ok := r.schemas[eventType]; ok {
		return s, true
	}
	if target, ok := r.aliases[eventType]; ok {
		s, ok := r.schemas[target]
		return s, ok
	}
	return nil, false
}

// Encode turns a domain event into a record ready for appending
func (r *Registry) Encode(e Event, md Metadata) (store.NewEvent, error) {
	r.mu.RLock()
	s, ok := r.schemas[e.EventType()]
	r.mu.RUnlock()
	if !ok {
		return store.NewEvent{}, fmt.Errorf("%w: %s", ErrUnknownEventType, e.EventType())
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return store.NewEvent{}, fmt.Errorf("%w: encode %s: %w", ErrSerialization, s.eventType, err)
	}
	metadata, err := md.Marshal()
	if err != nil {
		return store.NewEvent{}, err
	}

	return store.NewEvent{
		EventType:    s.eventType,
		EventVersion: s.version,
		Payload:      payload,
		Metadata:     metadata,
	}, nil
}

// EncodeAll encodes a batch sharing the same metadata
func (r *Registry) EncodeAll(events []Event, md Metadata) ([]store.NewEvent, error) {
	out := make([]store.NewEvent, len(events))
	for i, e := range events {
		encoded, err := r.Encode(e, md)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

// Decode upcasts a stored payload to the current revision and decodes it
func (r *Registry) Decode(e store.Event) (Event, error) {
	r.mu.RLock()
	s, ok := r.lookup(e.EventType)
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (aggregate %s version %d)", ErrUnknownEventType, e.EventType, e.AggregateID, e.AggregateVersion)
	}

	payload, err := s.upcast(e.EventVersion, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (aggregate %s version %d): %w",
			ErrSerialization, s.eventType, e.AggregateID, e.AggregateVersion, err)
	}

	decoded, err := s.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (aggregate %s version %d): %w",
			ErrSerialization, s.eventType, e.AggregateID, e.AggregateVersion, err)
	}
	return decoded, nil
}

func (s *schema) upcast(from uint32, payload json.RawMessage) (json.RawMessage, error) {
	if from == 0 {
		from = 1
	}
	if from > s.version {
		return nil, fmt.Errorf("stored revision %d is newer than known revision %d", from, s.version)
	}
	for v := from; v < s.version; v++ {
		up, ok := s.upcasters[v]
		if !ok {
			return nil, fmt.Errorf("no upcaster from revision %d", v)
		}
		next, err := up(payload)
		if err != nil {
			return nil, fmt.Errorf("upcast from revision %d: %w", v, err)
		}
		payload = next
	}
	return payload, nil
}
