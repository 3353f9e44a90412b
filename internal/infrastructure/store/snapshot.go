package store

import (
	"encoding/json"
	"time"
)

// DefaultSnapshotEvery defines the number of events after which a snapshot is created
const DefaultSnapshotEvery = 10

// Snapshot represents a point-in-time state of an aggregate
type Snapshot struct {
	AggregateID      string          `json:"aggregate_id"`
	AggregateVersion uint64          `json:"aggregate_version"` // Event version at snapshot time
	State            json.RawMessage `json:"state"`             // Serialized aggregate state
	CreatedAt        time.Time       `json:"created_at"`
}

func (s *Snapshot) validate() error {
	switch {
	case s == nil:
		return ErrInvalidSnapshot
	case s.AggregateID == "":
		return ErrInvalidAggregateID
	case s.AggregateVersion == 0 || len(s.State) == 0:
		return ErrInvalidSnapshot
	}
	return nil
}
