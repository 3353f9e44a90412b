package codec

import (
	"context"
	"encoding/json"
	"fmt"
)

// Metadata is the contextual data stored next to each event. The store
// treats it as opaque JSON.
type Metadata struct {
	CausationID   string            `json:"causation_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Actor         string            `json:"actor,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Marshal encodes the metadata as a JSON object
func (m Metadata) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %w", ErrSerialization, err)
	}
	return data, nil
}

// DecodeMetadata parses stored metadata. Empty input yields zero metadata.
func DecodeMetadata(raw json.RawMessage) (Metadata, error) {
	var m Metadata
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: decode metadata: %w", ErrSerialization, err)
	}
	return m, nil
}

type metadataKey struct{}

// ContextWithMetadata attaches metadata for the events recorded under ctx
func ContextWithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the metadata attached to ctx, if any
func MetadataFromContext(ctx context.Context) Metadata {
	md, _ := ctx.Value(metadataKey{}).(Metadata)
	return md
}
