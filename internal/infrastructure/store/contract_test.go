package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contractStore interface {
	EventStoreInterface
	SnapshotStoreInterface
	GlobalReader
}

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newEvents(types ...string) []NewEvent {
	events := make([]NewEvent, len(types))
	for i, t := range types {
		events[i] = NewEvent{
			EventType:    t,
			EventVersion: 1,
			Payload:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata:     json.RawMessage(`{"actor":"tester"}`),
		}
	}
	return events
}

func collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var out []Event
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func versions(events []Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.AggregateVersion
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, events []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, events)
	return p.err
}

// runContractTests exercises behaviour every store must share
func runContractTests(t *testing.T, newStore func(t *testing.T, opts ...Option) contractStore) {
	ctx := context.Background()

	t.Run("append assigns contiguous versions from 1", func(t *testing.T) {
		s := newStore(t)

		stored, err := s.Append(ctx, "acc-1", 0, newEvents("Opened", "Deposited"))
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2}, versions(stored))

		stored, err = s.Append(ctx, "acc-1", 2, newEvents("Withdrawn"))
		require.NoError(t, err)
		assert.Equal(t, []uint64{3}, versions(stored))

		events, err := collect(s.ReadStream(ctx, "acc-1", 0))
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, versions(events))
		assert.Equal(t, "Opened", events[0].EventType)
		assert.Equal(t, uint32(1), events[0].EventVersion)
		assert.JSONEq(t, `{"n":0}`, string(events[0].Payload))
		assert.JSONEq(t, `{"actor":"tester"}`, string(events[0].Metadata))
		assert.True(t, events[0].RecordedAt.Equal(testEpoch))

		version, err := s.Version(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), version)
	})

	t.Run("stale expected version conflicts and leaves stream unchanged", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Append(ctx, "acc-1", 0, newEvents("Opened", "Deposited"))
		require.NoError(t, err)

		_, err = s.Append(ctx, "acc-1", 1, newEvents("Withdrawn", "Frozen"))
		require.ErrorIs(t, err, ErrConcurrencyConflict)

		var conflictErr *ConcurrencyError
		require.True(t, errors.As(err, &conflictErr))
		assert.Equal(t, uint64(1), conflictErr.Expected)
		assert.Equal(t, uint64(2), conflictErr.Actual)
		assert.True(t, IsRetryable(err))

		events, err := collect(s.ReadStream(ctx, "acc-1", 0))
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2}, versions(events))
		assert.Equal(t, "Opened", events[0].EventType)
		assert.Equal(t, "Deposited", events[1].EventType)
	})

	t.Run("expected version ahead of stream conflicts", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Append(ctx, "acc-1", 3, newEvents("Opened"))
		assert.ErrorIs(t, err, ErrConcurrencyConflict)

		version, err := s.Version(ctx, "acc-1")
		require.NoError(t, err)
		assert.Zero(t, version)
	})

	t.Run("rejects empty batches and ids", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Append(ctx, "acc-1", 0, nil)
		assert.ErrorIs(t, err, ErrEmptyAppend)

		_, err = s.Append(ctx, "", 0, newEvents("Opened"))
		assert.ErrorIs(t, err, ErrInvalidAggregateID)
	})

	t.Run("concurrent appends at the same version admit exactly one", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "acc-1", 0, newEvents("Opened"))
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Append(ctx, "acc-1", 1, newEvents("Deposited", "Deposited"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrConcurrencyConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, writers-1, conflicts)

		events, err := collect(s.ReadStream(ctx, "acc-1", 0))
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, versions(events))
	})

	t.Run("read stream is restartable and empty for unknown aggregates", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "acc-1", 0, newEvents("a", "b", "c", "d", "e"))
		require.NoError(t, err)

		tail, err := collect(s.ReadStream(ctx, "acc-1", 3))
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 5}, versions(tail))

		none, err := collect(s.ReadStream(ctx, "acc-1", 5))
		require.NoError(t, err)
		assert.Empty(t, none)

		missing, err := collect(s.ReadStream(ctx, "nobody", 0))
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("stopping iteration early has no side effects", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "acc-1", 0, newEvents("a", "b", "c"))
		require.NoError(t, err)

		for e, err := range s.ReadStream(ctx, "acc-1", 0) {
			require.NoError(t, err)
			assert.Equal(t, uint64(1), e.AggregateVersion)
			break
		}

		_, err = s.Append(ctx, "acc-1", 3, newEvents("d"))
		require.NoError(t, err)
	})

	t.Run("read stream pages through long streams", func(t *testing.T) {
		s := newStore(t, WithPageSize(2))
		_, err := s.Append(ctx, "acc-1", 0, newEvents("a", "b", "c", "d", "e"))
		require.NoError(t, err)

		events, err := collect(s.ReadStream(ctx, "acc-1", 0))
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3, 4, 5}, versions(events))
	})

	t.Run("read all follows commit order across aggregates", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "acc-1", 0, newEvents("a"))
		require.NoError(t, err)
		_, err = s.Append(ctx, "acc-2", 0, newEvents("b", "c"))
		require.NoError(t, err)
		_, err = s.Append(ctx, "acc-1", 1, newEvents("d"))
		require.NoError(t, err)

		first, err := s.ReadAll(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "a", first[0].EventType)
		assert.Equal(t, "b", first[1].EventType)

		rest, err := s.ReadAll(ctx, first[1].Position, 10)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, "c", rest[0].EventType)
		assert.Equal(t, "d", rest[1].EventType)
		assert.Greater(t, rest[0].Position, first[1].Position)
	})

	t.Run("save snapshot is idempotent per version", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "acc-1", 0, newEvents("a", "b", "c"))
		require.NoError(t, err)

		snap := &Snapshot{AggregateID: "acc-1", AggregateVersion: 2, State: json.RawMessage(`{"balance":10}`)}
		require.NoError(t, s.SaveSnapshot(ctx, snap))
		require.NoError(t, s.SaveSnapshot(ctx, snap))

		latest, err := s.LatestSnapshot(ctx, "acc-1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, uint64(2), latest.AggregateVersion)
		assert.JSONEq(t, `{"balance":10}`, string(latest.State))

		require.NoError(t, s.PruneSnapshots(ctx, "acc-1", 1))
		latest, err = s.LatestSnapshot(ctx, "acc-1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, uint64(2), latest.AggregateVersion)
	})

	t.Run("latest snapshot picks the highest version", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "acc-1", 0, newEvents("a", "b", "c", "d"))
		require.NoError(t, err)

		for _, v := range []uint64{1, 3, 2} {
			require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{
				AggregateID:      "acc-1",
				AggregateVersion: v,
				State:            json.RawMessage(fmt.Sprintf(`{"v":%d}`, v)),
			}))
		}

		latest, err := s.LatestSnapshot(ctx, "acc-1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, uint64(3), latest.AggregateVersion)

		require.NoError(t, s.PruneSnapshots(ctx, "acc-1", 1))
		latest, err = s.LatestSnapshot(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), latest.AggregateVersion)
	})

	t.Run("snapshot must reference a stored version", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "acc-1", 0, newEvents("a"))
		require.NoError(t, err)

		err = s.SaveSnapshot(ctx, &Snapshot{AggregateID: "acc-1", AggregateVersion: 5, State: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, ErrInvalidSnapshot)

		err = s.SaveSnapshot(ctx, &Snapshot{AggregateID: "acc-1", AggregateVersion: 1})
		assert.ErrorIs(t, err, ErrInvalidSnapshot)

		latest, err := s.LatestSnapshot(ctx, "acc-1")
		require.NoError(t, err)
		assert.Nil(t, latest)
	})

	t.Run("publishes committed events only", func(t *testing.T) {
		pub := &recordingPublisher{}
		s := newStore(t, WithPublisher(pub))

		_, err := s.Append(ctx, "acc-1", 0, newEvents("a", "b"))
		require.NoError(t, err)
		_, err = s.Append(ctx, "acc-1", 0, newEvents("c"))
		require.ErrorIs(t, err, ErrConcurrencyConflict)

		require.Len(t, pub.batches, 1)
		assert.Equal(t, []uint64{1, 2}, versions(pub.batches[0]))
	})

	t.Run("publish failure does not fail the append", func(t *testing.T) {
		pub := &recordingPublisher{err: errors.New("broker down")}
		s := newStore(t, WithPublisher(pub))

		stored, err := s.Append(ctx, "acc-1", 0, newEvents("a"))
		require.NoError(t, err)
		assert.Len(t, stored, 1)
	})
}

func fakeClockOption() Option {
	return WithClock(clockwork.NewFakeClockAt(testEpoch))
}
