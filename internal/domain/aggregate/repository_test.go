package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/example/fintech-ledger/internal/infrastructure/store/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type incremented struct {
	By int `json:"by"`
}

func (incremented) EventType() string { return "Incremented" }

type reset struct{}

func (reset) EventType() string { return "Reset" }

var errNegative = errors.New("counter cannot go negative")

type counter struct {
	ID      string `json:"id"`
	Total   int    `json:"total"`
	Applied int    `json:"applied"`
	version uint64
}

func newCounter(id string) *counter { return &counter{ID: id} }

func (c *counter) AggregateID() string { return c.ID }
func (c *counter) Version() uint64     { return c.version }
func (c *counter) SetVersion(v uint64) { c.version = v }

func (c *counter) Apply(e codec.Event) error {
	switch ev := e.(type) {
	case incremented:
		c.Total += ev.By
	case reset:
		c.Total = 0
	}
	c.Applied++
	return nil
}

func (c *counter) increment(by int) ([]codec.Event, error) {
	if c.Total+by < 0 {
		return nil, errNegative
	}
	return []codec.Event{incremented{By: by}}, nil
}

func newTestRegistry() *codec.Registry {
	r := codec.NewRegistry()
	codec.MustRegister[incremented](r)
	codec.MustRegister[reset](r)
	return r
}

func newTestRepository(opts ...Option) (*Repository[*counter], *mocks.MockEventStore) {
	eventStore := mocks.NewMockEventStore()
	return NewRepository(eventStore, newTestRegistry(), newCounter, opts...), eventStore
}

func appendIncrements(t *testing.T, repo *Repository[*counter], id string, amounts ...int) *counter {
	t.Helper()
	ctx := context.Background()
	agg, err := repo.Load(ctx, id)
	require.NoError(t, err)
	for _, by := range amounts {
		_, err := repo.Append(ctx, agg, codec.Metadata{Actor: "test"}, incremented{By: by})
		require.NoError(t, err)
	}
	return agg
}

// ============================================
// Load Tests
// ============================================

func TestRepository_Load_NewAggregate(t *testing.T) {
	repo, _ := newTestRepository()

	agg, err := repo.Load(context.Background(), "ctr-1")

	require.NoError(t, err)
	assert.Equal(t, "ctr-1", agg.ID)
	assert.Zero(t, agg.Version())
}

func TestRepository_Load_ReplaysAllEvents(t *testing.T) {
	repo, _ := newTestRepository(WithSnapshotEvery(0))
	appendIncrements(t, repo, "ctr-1", 1, 2, 3)

	agg, err := repo.Load(context.Background(), "ctr-1")

	require.NoError(t, err)
	assert.Equal(t, 6, agg.Total)
	assert.Equal(t, uint64(3), agg.Version())
}

func TestRepository_Load_SnapshotPlusTailEqualsFullReplay(t *testing.T) {
	ctx := context.Background()
	withSnapshots, snapStore := newTestRepository(WithSnapshotEvery(5))
	withoutSnapshots, _ := newTestRepository(WithSnapshotEvery(0))

	amounts := []int{5, 10, -3, 7, 1, 4, 2, 9}
	appendIncrements(t, withSnapshots, "ctr-1", amounts...)
	appendIncrements(t, withoutSnapshots, "ctr-1", amounts...)
	withSnapshots.Wait()

	snap, err := snapStore.LatestSnapshot(ctx, "ctr-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(5), snap.AggregateVersion)

	fromSnapshot, err := withSnapshots.Load(ctx, "ctr-1")
	require.NoError(t, err)
	fullReplay, err := withoutSnapshots.Load(ctx, "ctr-1")
	require.NoError(t, err)

	assert.Equal(t, fullReplay, fromSnapshot)
	assert.Equal(t, uint64(8), fromSnapshot.Version())
	assert.Equal(t, 35, fromSnapshot.Total)
}

func TestRepository_Load_UsesSnapshotAsStartingState(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository(WithSnapshotEvery(0))
	appendIncrements(t, repo, "ctr-1", 1, 1, 1)

	require.NoError(t, eventStore.SaveSnapshot(ctx, &store.Snapshot{
		AggregateID:      "ctr-1",
		AggregateVersion: 2,
		State:            json.RawMessage(`{"id":"ctr-1","total":100,"applied":2}`),
	}))

	agg, err := repo.Load(ctx, "ctr-1")

	require.NoError(t, err)
	assert.Equal(t, 101, agg.Total)
	assert.Equal(t, 3, agg.Applied)
	assert.Equal(t, uint64(3), agg.Version())
}

func TestRepository_Load_IgnoresUndecodableSnapshot(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository(WithSnapshotEvery(0))
	appendIncrements(t, repo, "ctr-1", 2, 3)

	require.NoError(t, eventStore.SaveSnapshot(ctx, &store.Snapshot{
		AggregateID:      "ctr-1",
		AggregateVersion: 2,
		State:            json.RawMessage(`"not an object"`),
	}))

	agg, err := repo.Load(ctx, "ctr-1")

	require.NoError(t, err)
	assert.Equal(t, 5, agg.Total)
	assert.Equal(t, 2, agg.Applied)
}

func TestRepository_Load_UnknownEventFails(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository()
	require.NoError(t, eventStore.Seed(ctx, "ctr-1",
		store.NewEvent{EventType: "Incremented", Payload: json.RawMessage(`{"by":1}`)},
		store.NewEvent{EventType: "Renamed", Payload: json.RawMessage(`{}`)},
	))

	_, err := repo.Load(ctx, "ctr-1")

	assert.ErrorIs(t, err, codec.ErrUnknownEventType)
}

func TestRepository_Load_SkipUnknownAdvancesVersion(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository(WithUnknownEventPolicy(SkipUnknown))
	require.NoError(t, eventStore.Seed(ctx, "ctr-1",
		store.NewEvent{EventType: "Incremented", Payload: json.RawMessage(`{"by":1}`)},
		store.NewEvent{EventType: "Renamed", Payload: json.RawMessage(`{}`)},
		store.NewEvent{EventType: "Incremented", Payload: json.RawMessage(`{"by":4}`)},
	))

	agg, err := repo.Load(ctx, "ctr-1")

	require.NoError(t, err)
	assert.Equal(t, 5, agg.Total)
	assert.Equal(t, 2, agg.Applied)
	assert.Equal(t, uint64(3), agg.Version())
}

func TestRepository_Load_SerializationErrorNeverSkipped(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository(WithUnknownEventPolicy(SkipUnknown))
	require.NoError(t, eventStore.Seed(ctx, "ctr-1",
		store.NewEvent{EventType: "Incremented", Payload: json.RawMessage(`{"by":"many"}`)},
	))

	_, err := repo.Load(ctx, "ctr-1")

	assert.ErrorIs(t, err, codec.ErrSerialization)
}

// ============================================
// Append Tests
// ============================================

func TestRepository_Append_Success(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository()
	agg, err := repo.Load(ctx, "ctr-1")
	require.NoError(t, err)

	stored, err := repo.Append(ctx, agg, codec.Metadata{Actor: "alice"}, incremented{By: 3}, reset{})

	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, uint64(2), agg.Version())
	assert.Equal(t, 0, agg.Total)

	call, ok := eventStore.LastAppend()
	require.True(t, ok)
	assert.Equal(t, uint64(0), call.ExpectedVersion)
	assert.Equal(t, "Incremented", call.Events[0].EventType)
	assert.JSONEq(t, `{"actor":"alice"}`, string(call.Events[0].Metadata))
}

func TestRepository_Append_Empty(t *testing.T) {
	repo, _ := newTestRepository()

	_, err := repo.Append(context.Background(), newCounter("ctr-1"), codec.Metadata{})

	assert.ErrorIs(t, err, store.ErrEmptyAppend)
}

func TestRepository_Append_StaleAggregateConflicts(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository()
	appendIncrements(t, repo, "ctr-1", 1)

	stale := newCounter("ctr-1")
	_, err := repo.Append(ctx, stale, codec.Metadata{}, incremented{By: 9})

	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.Zero(t, stale.Total)
	assert.Zero(t, stale.Version())
}

func TestRepository_Append_SnapshotFailureDoesNotFailAppend(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository(WithSnapshotEvery(1))
	eventStore.SaveSnapshotErr = errors.New("disk full")

	appendIncrements(t, repo, "ctr-1", 1, 2)
	repo.Wait()

	assert.Equal(t, 2, eventStore.SnapshotCount())
	snap, err := eventStore.LatestSnapshot(ctx, "ctr-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRepository_Append_SnapshotWhenBatchCrossesThreshold(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository(WithSnapshotEvery(3))
	agg := appendIncrements(t, repo, "ctr-1", 1, 1)

	_, err := repo.Append(ctx, agg, codec.Metadata{}, incremented{By: 1}, incremented{By: 1})
	require.NoError(t, err)
	repo.Wait()

	require.Equal(t, 1, eventStore.SnapshotCount())
	assert.Equal(t, uint64(4), eventStore.SaveSnapshotCalls[0].AggregateVersion)
}

func TestRepository_Append_PrunesOldSnapshots(t *testing.T) {
	ctx := context.Background()
	repo, eventStore := newTestRepository(WithSnapshotEvery(2), WithSnapshotRetention(1))
	agg := appendIncrements(t, repo, "ctr-1", 1, 1)
	repo.Wait()
	for i := 0; i < 4; i++ {
		_, err := repo.Append(ctx, agg, codec.Metadata{}, incremented{By: 1})
		require.NoError(t, err)
		repo.Wait()
	}

	assert.Equal(t, 3, eventStore.SnapshotCount())
	snap, err := eventStore.LatestSnapshot(ctx, "ctr-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(6), snap.AggregateVersion)
}
