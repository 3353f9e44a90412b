package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/gin-gonic/gin"
)

type eventRequest struct {
	EventType    string          `json:"event_type" binding:"required"`
	EventVersion uint32          `json:"event_version"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	Metadata     json.RawMessage `json:"metadata"`
}

type appendRequest struct {
	ExpectedVersion *uint64        `json:"expected_version" binding:"required"`
	Events          []eventRequest `json:"events" binding:"required,min=1,dive"`
}

// newEvents converts the request into store events. Metadata from the
// request context fills in whatever the client left empty.
func (r appendRequest) newEvents(defaults codec.Metadata) ([]store.NewEvent, error) {
	events := make([]store.NewEvent, 0, len(r.Events))
	for i, e := range r.Events {
		md, err := codec.DecodeMetadata(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("event %d: invalid metadata: %w", i, err)
		}
		if md.Actor == "" {
			md.Actor = defaults.Actor
		}
		if md.CorrelationID == "" {
			md.CorrelationID = defaults.CorrelationID
		}
		raw, err := md.Marshal()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, store.NewEvent{
			EventType:    e.EventType,
			EventVersion: e.EventVersion,
			Payload:      e.Payload,
			Metadata:     raw,
		})
	}
	return events, nil
}

// validate checks every event is a registered type whose payload decodes,
// so nothing unreadable reaches the stream
func (r appendRequest) validate(registry *codec.Registry, aggregateID string) error {
	for i, e := range r.Events {
		if !registry.Knows(e.EventType) {
			return fmt.Errorf("event %d: %w: %s", i, codec.ErrUnknownEventType, e.EventType)
		}
		_, err := registry.Decode(store.Event{
			AggregateID:      aggregateID,
			AggregateVersion: *r.ExpectedVersion + uint64(i) + 1,
			EventType:        e.EventType,
			EventVersion:     e.EventVersion,
			Payload:          e.Payload,
		})
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// handleAppendEvents appends a batch at the client's expected version
func (s *Server) handleAppendEvents(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	aggregateID := c.Param("aggregate_id")
	if err := req.validate(s.registry, aggregateID); err != nil {
		respondBadRequest(c, err)
		return
	}

	events, err := req.newEvents(codec.MetadataFromContext(c.Request.Context()))
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	stored, err := s.store.Append(c.Request.Context(), aggregateID, *req.ExpectedVersion, events)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"events": stored})
}

// handleReadEvents returns the stream after from_version
func (s *Server) handleReadEvents(c *gin.Context) {
	fromVersion, err := strconv.ParseUint(c.DefaultQuery("from_version", "0"), 10, 64)
	if err != nil {
		respondBadRequest(c, fmt.Errorf("from_version: %w", err))
		return
	}

	aggregateID := c.Param("aggregate_id")
	events := make([]store.Event, 0)
	for event, err := range s.store.ReadStream(c.Request.Context(), aggregateID, fromVersion) {
		if err != nil {
			respondError(c, err)
			return
		}
		events = append(events, event)
	}

	c.JSON(http.StatusOK, gin.H{"aggregate_id": aggregateID, "events": events})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	aggregateID := c.Param("aggregate_id")
	version, err := s.store.Version(c.Request.Context(), aggregateID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"aggregate_id": aggregateID, "version": version})
}

func (s *Server) handleGetSnapshot(c *gin.Context) {
	snapshot, err := s.store.LatestSnapshot(c.Request.Context(), c.Param("aggregate_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}
