package projection

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/domain/account"
	"github.com/example/fintech-ledger/internal/domain/escrow"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/example/fintech-ledger/internal/infrastructure/store/mocks"
	"github.com/example/fintech-ledger/internal/readmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 7, 4, 8, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *codec.Registry {
	t.Helper()
	registry := codec.NewRegistry()
	require.NoError(t, account.Register(registry))
	require.NoError(t, escrow.Register(registry))
	return registry
}

func newTestProjector(t *testing.T) (*Projector, *mocks.MockReadStore, *codec.Registry) {
	t.Helper()
	registry := newTestRegistry(t)
	readStore := mocks.NewMockReadStore()
	return NewProjector(readStore, registry), readStore, registry
}

func makeEvent(t *testing.T, registry *codec.Registry, aggregateID string, version uint64, e codec.Event) store.Event {
	t.Helper()
	encoded, err := registry.Encode(e, codec.Metadata{})
	require.NoError(t, err)
	return store.Event{
		AggregateID:      aggregateID,
		AggregateVersion: version,
		EventType:        encoded.EventType,
		EventVersion:     encoded.EventVersion,
		Payload:          encoded.Payload,
		Metadata:         encoded.Metadata,
		RecordedAt:       testNow,
	}
}

func makeMessage(t *testing.T, event store.Event) []byte {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return value
}

func getAccount(t *testing.T, readStore *mocks.MockReadStore, id string) *readmodel.AccountReadModel {
	t.Helper()
	data, ok := readStore.Get(readmodel.CollectionAccounts, id)
	require.True(t, ok)
	return data.(*readmodel.AccountReadModel)
}

func getEscrow(t *testing.T, readStore *mocks.MockReadStore, id string) *readmodel.EscrowReadModel {
	t.Helper()
	data, ok := readStore.Get(readmodel.CollectionEscrows, id)
	require.True(t, ok)
	return data.(*readmodel.EscrowReadModel)
}

// ============================================
// Account Event Tests
// ============================================

func TestProjector_HandleAccountOpened(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()

	event := makeEvent(t, registry, "acc-1", 1, account.AccountOpened{
		AccountID: "acc-1",
		OwnerID:   "owner-1",
		Currency:  "EUR",
		OpenedAt:  testNow,
	})

	err := projector.HandleEvent(ctx, []byte("acc-1"), makeMessage(t, event))

	require.NoError(t, err)
	m := getAccount(t, readStore, "acc-1")
	assert.Equal(t, "owner-1", m.OwnerID)
	assert.Equal(t, "EUR", m.Currency)
	assert.Equal(t, "open", m.Status)
	assert.Equal(t, uint64(1), m.Version)
}

func TestProjector_HandleFundsMovements(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()
	readStore.SetData(readmodel.CollectionAccounts, "acc-1", &readmodel.AccountReadModel{
		ID: "acc-1", Status: "open", Version: 1,
	})

	require.NoError(t, projector.Project(ctx, makeEvent(t, registry, "acc-1", 2, account.FundsDeposited{AccountID: "acc-1", Amount: 900})))
	require.NoError(t, projector.Project(ctx, makeEvent(t, registry, "acc-1", 3, account.FundsWithdrawn{AccountID: "acc-1", Amount: 250})))

	m := getAccount(t, readStore, "acc-1")
	assert.Equal(t, int64(650), m.Balance)
	assert.Equal(t, int64(900), m.TotalDeposited)
	assert.Equal(t, int64(250), m.TotalWithdrawn)
	assert.Equal(t, uint64(3), m.Version)
}

func TestProjector_AccountStatusChanges(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()
	readStore.SetData(readmodel.CollectionAccounts, "acc-1", &readmodel.AccountReadModel{ID: "acc-1", Status: "open", Version: 1})

	require.NoError(t, projector.Project(ctx, makeEvent(t, registry, "acc-1", 2, account.AccountFrozen{AccountID: "acc-1"})))
	assert.Equal(t, "frozen", getAccount(t, readStore, "acc-1").Status)

	require.NoError(t, projector.Project(ctx, makeEvent(t, registry, "acc-1", 3, account.AccountUnfrozen{AccountID: "acc-1"})))
	assert.Equal(t, "open", getAccount(t, readStore, "acc-1").Status)

	require.NoError(t, projector.Project(ctx, makeEvent(t, registry, "acc-1", 4, account.AccountClosed{AccountID: "acc-1"})))
	assert.Equal(t, "closed", getAccount(t, readStore, "acc-1").Status)
}

// ============================================
// Idempotency Tests
// ============================================

func TestProjector_RedeliveryIsIgnored(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()

	opened := makeEvent(t, registry, "acc-1", 1, account.AccountOpened{AccountID: "acc-1", Currency: "USD"})
	deposit := makeEvent(t, registry, "acc-1", 2, account.FundsDeposited{AccountID: "acc-1", Amount: 100})

	for _, e := range []store.Event{opened, deposit, deposit, opened} {
		require.NoError(t, projector.Project(ctx, e))
	}

	m := getAccount(t, readStore, "acc-1")
	assert.Equal(t, int64(100), m.Balance)
	assert.Equal(t, uint64(2), m.Version)
	assert.Equal(t, 2, readStore.SkippedUpserts())
}

func TestProjector_UpdateForUnknownAccountIsOutOfOrder(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)

	err := projector.Project(context.Background(), makeEvent(t, registry, "acc-9", 4, account.FundsDeposited{AccountID: "acc-9", Amount: 1}))

	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, ok := readStore.Get(readmodel.CollectionAccounts, "acc-9")
	assert.False(t, ok)
}

// ============================================
// Ordering Tests
// ============================================

func TestProjector_Project_GapIsRejectedUntilPredecessorArrives(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()

	opened := makeEvent(t, registry, "acc-1", 1, account.AccountOpened{AccountID: "acc-1", Currency: "USD"})
	second := makeEvent(t, registry, "acc-1", 2, account.FundsDeposited{AccountID: "acc-1", Amount: 50})
	third := makeEvent(t, registry, "acc-1", 3, account.FundsDeposited{AccountID: "acc-1", Amount: 100})

	require.NoError(t, projector.Project(ctx, opened))

	err := projector.Project(ctx, third)
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, uint64(1), getAccount(t, readStore, "acc-1").Version)
	assert.Equal(t, int64(0), getAccount(t, readStore, "acc-1").Balance)

	// The broker redelivers the third event after the second one lands
	require.NoError(t, projector.Project(ctx, second))
	require.NoError(t, projector.Project(ctx, third))

	m := getAccount(t, readStore, "acc-1")
	assert.Equal(t, int64(150), m.Balance)
	assert.Equal(t, int64(150), m.TotalDeposited)
	assert.Equal(t, uint64(3), m.Version)
}

func TestProjector_HandleEvent_ReportsGapForRedelivery(t *testing.T) {
	projector, _, registry := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, projector.HandleEvent(ctx, nil, makeMessage(t,
		makeEvent(t, registry, "acc-1", 1, account.AccountOpened{AccountID: "acc-1", Currency: "USD"}))))

	err := projector.HandleEvent(ctx, nil, makeMessage(t,
		makeEvent(t, registry, "acc-1", 3, account.FundsDeposited{AccountID: "acc-1", Amount: 100})))

	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestProjector_Publish_HoldsEarlyEventUntilPredecessor(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()

	opened := makeEvent(t, registry, "acc-1", 1, account.AccountOpened{AccountID: "acc-1", Currency: "USD"})
	second := makeEvent(t, registry, "acc-1", 2, account.FundsDeposited{AccountID: "acc-1", Amount: 50})
	third := makeEvent(t, registry, "acc-1", 3, account.FundsDeposited{AccountID: "acc-1", Amount: 100})

	require.NoError(t, projector.Publish(ctx, []store.Event{opened}))
	require.NoError(t, projector.Publish(ctx, []store.Event{third}))
	assert.Equal(t, int64(0), getAccount(t, readStore, "acc-1").Balance)

	require.NoError(t, projector.Publish(ctx, []store.Event{second}))

	m := getAccount(t, readStore, "acc-1")
	assert.Equal(t, int64(150), m.Balance)
	assert.Equal(t, uint64(3), m.Version)
	assert.Empty(t, projector.parked)
}

func TestProjector_Publish_CreationArrivingLast(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()

	events := []store.Event{
		makeEvent(t, registry, "esc-1", 2, escrow.EscrowDisputed{EscrowID: "esc-1", RaisedBy: "a"}),
		makeEvent(t, registry, "esc-1", 3, escrow.EscrowDisputeResolved{EscrowID: "esc-1", Outcome: escrow.OutcomePayee}),
		makeEvent(t, registry, "esc-1", 1, escrow.EscrowFunded{EscrowID: "esc-1", PayerID: "a", PayeeID: "b", Amount: 10}),
	}
	require.NoError(t, projector.Publish(ctx, events))

	m := getEscrow(t, readStore, "esc-1")
	assert.Equal(t, "released", m.Status)
	assert.Equal(t, "payee", m.Outcome)
	assert.Equal(t, uint64(3), m.Version)
}

func TestProjector_UnknownTypeAdvancesExistingModel(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()
	readStore.SetData(readmodel.CollectionAccounts, "acc-1", &readmodel.AccountReadModel{ID: "acc-1", Status: "open", Version: 1})

	require.NoError(t, projector.Project(ctx, store.Event{
		AggregateID: "acc-1", AggregateVersion: 2, EventType: "NoteAdded", Payload: json.RawMessage(`{}`),
	}))
	require.NoError(t, projector.Project(ctx, makeEvent(t, registry, "acc-1", 3, account.FundsDeposited{AccountID: "acc-1", Amount: 5})))

	m := getAccount(t, readStore, "acc-1")
	assert.Equal(t, int64(5), m.Balance)
	assert.Equal(t, uint64(3), m.Version)
}

func TestProjector_DepositOverflowIsRejected(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	readStore.SetData(readmodel.CollectionAccounts, "acc-1", &readmodel.AccountReadModel{
		ID: "acc-1", Status: "open", Balance: 10, TotalDeposited: math.MaxInt64 - 3, Version: 1,
	})

	err := projector.Project(context.Background(), makeEvent(t, registry, "acc-1", 2, account.FundsDeposited{AccountID: "acc-1", Amount: 4}))

	assert.ErrorIs(t, err, account.ErrBalanceOverflow)
	m := getAccount(t, readStore, "acc-1")
	assert.Equal(t, int64(10), m.Balance)
	assert.Equal(t, uint64(1), m.Version)
}

func TestProjector_UnknownEventTypeIsIgnored(t *testing.T) {
	projector, readStore, _ := newTestProjector(t)

	err := projector.Project(context.Background(), store.Event{
		AggregateID: "x-1", AggregateVersion: 1, EventType: "SomethingElse", Payload: json.RawMessage(`{}`),
	})

	require.NoError(t, err)
	assert.Empty(t, readStore.UpsertCalls)
}

func TestProjector_InvalidMessage(t *testing.T) {
	projector, _, _ := newTestProjector(t)

	err := projector.HandleEvent(context.Background(), nil, []byte("not json"))

	assert.ErrorIs(t, err, codec.ErrSerialization)
}

func TestProjector_MalformedPayload(t *testing.T) {
	projector, _, _ := newTestProjector(t)

	err := projector.Project(context.Background(), store.Event{
		AggregateID: "acc-1", AggregateVersion: 1, EventType: account.EventFundsDeposited, EventVersion: 1,
		Payload: json.RawMessage(`{"amount":"lots"}`),
	})

	assert.ErrorIs(t, err, codec.ErrSerialization)
}

// ============================================
// Escrow Event Tests
// ============================================

func TestProjector_EscrowLifecycle(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()

	events := []store.Event{
		makeEvent(t, registry, "esc-1", 1, escrow.EscrowFunded{EscrowID: "esc-1", PayerID: "a", PayeeID: "b", Amount: 500, Currency: "USD", TaskRef: "task-1"}),
		makeEvent(t, registry, "esc-1", 2, escrow.EscrowDisputed{EscrowID: "esc-1", RaisedBy: "a"}),
		makeEvent(t, registry, "esc-1", 3, escrow.EscrowDisputeResolved{EscrowID: "esc-1", Outcome: escrow.OutcomePayer}),
	}
	require.NoError(t, projector.Publish(ctx, events))

	m := getEscrow(t, readStore, "esc-1")
	assert.Equal(t, int64(500), m.Amount)
	assert.Equal(t, "task-1", m.TaskRef)
	assert.Equal(t, "a", m.DisputedBy)
	assert.Equal(t, "refunded", m.Status)
	assert.Equal(t, "payer", m.Outcome)
	assert.Equal(t, uint64(3), m.Version)
}

func TestProjector_EscrowReleased(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()
	readStore.SetData(readmodel.CollectionEscrows, "esc-1", &readmodel.EscrowReadModel{ID: "esc-1", Status: "funded", Version: 1})

	require.NoError(t, projector.Project(ctx, makeEvent(t, registry, "esc-1", 2, escrow.EscrowReleased{EscrowID: "esc-1"})))

	assert.Equal(t, "released", getEscrow(t, readStore, "esc-1").Status)
}

// ============================================
// Rebuild Tests
// ============================================

func TestProjector_Rebuild(t *testing.T) {
	projector, readStore, registry := newTestProjector(t)
	ctx := context.Background()
	source := store.NewMemoryEventStore()

	encode := func(events ...codec.Event) []store.NewEvent {
		encoded, err := registry.EncodeAll(events, codec.Metadata{})
		require.NoError(t, err)
		return encoded
	}
	_, err := source.Append(ctx, "acc-1", 0, encode(
		account.AccountOpened{AccountID: "acc-1", Currency: "USD"},
		account.FundsDeposited{AccountID: "acc-1", Amount: 70},
	))
	require.NoError(t, err)
	_, err = source.Append(ctx, "esc-1", 0, encode(escrow.EscrowFunded{EscrowID: "esc-1", PayerID: "a", PayeeID: "b", Amount: 30}))
	require.NoError(t, err)
	_, err = source.Append(ctx, "acc-1", 2, encode(account.FundsWithdrawn{AccountID: "acc-1", Amount: 20}))
	require.NoError(t, err)

	// Stale data from before the rebuild must disappear
	readStore.SetData(readmodel.CollectionAccounts, "acc-stale", &readmodel.AccountReadModel{ID: "acc-stale"})

	total, err := projector.Rebuild(ctx, source, 2)

	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 1, readStore.ResetCalls)
	assert.Equal(t, int64(50), getAccount(t, readStore, "acc-1").Balance)
	assert.Equal(t, int64(30), getEscrow(t, readStore, "esc-1").Amount)
	_, ok := readStore.Get(readmodel.CollectionAccounts, "acc-stale")
	assert.False(t, ok)

	// Replaying again yields the same read models
	total, err = projector.Rebuild(ctx, source, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, int64(50), getAccount(t, readStore, "acc-1").Balance)
}
