package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/domain/account"
	"github.com/example/fintech-ledger/internal/domain/escrow"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/example/fintech-ledger/internal/readmodel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRebuildBatch is the page size used when replaying the global feed
const DefaultRebuildBatch = 500

// ErrOutOfOrder is returned for an event whose predecessor has not been
// projected yet. Brokers should redeliver it later.
var ErrOutOfOrder = errors.New("event arrived before its predecessor")

var _ store.Publisher = (*Projector)(nil)

type Projector struct {
	readStore store.ReadStoreInterface
	registry  *codec.Registry
	logger    zerolog.Logger

	// in-process delivery only: events waiting for their predecessor
	mu     sync.Mutex
	parked map[string]map[uint64]store.Event
}

func NewProjector(readStore store.ReadStoreInterface, registry *codec.Registry) *Projector {
	return &Projector{
		readStore: readStore,
		registry:  registry,
		logger:    log.With().Str("component", "projector").Logger(),
		parked:    make(map[string]map[uint64]store.Event),
	}
}

// HandleEvent projects one JSON encoded stored event, as delivered by a broker.
// Errors, including ErrOutOfOrder, mean the message must be redelivered.
func (p *Projector) HandleEvent(ctx context.Context, key, value []byte) error {
	var event store.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: decode message: %w", codec.ErrSerialization, err)
	}
	return p.Project(ctx, event)
}

// Publish projects committed events in-process, making the projector usable
// as the event store's publisher. Appends to one aggregate may publish out of
// commit order, so an early event is held back until its predecessor lands.
func (p *Projector) Publish(ctx context.Context, events []store.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, event := range events {
		err := p.Project(ctx, event)
		switch {
		case errors.Is(err, ErrOutOfOrder):
			p.park(event)
		case err != nil:
			errs = append(errs, err)
		default:
			errs = append(errs, p.drain(ctx, event.AggregateID))
		}
	}
	return errors.Join(errs...)
}

func (p *Projector) park(event store.Event) {
	pending := p.parked[event.AggregateID]
	if pending == nil {
		pending = make(map[uint64]store.Event)
		p.parked[event.AggregateID] = pending
	}
	pending[event.AggregateVersion] = event
	p.logger.Debug().
		Str("aggregate_id", event.AggregateID).
		Uint64("version", event.AggregateVersion).
		Msg("Holding event until its predecessor is projected")
}

// drain projects parked events of an aggregate in version order until the
// next one is still missing its predecessor
func (p *Projector) drain(ctx context.Context, aggregateID string) error {
	pending := p.parked[aggregateID]
	for _, version := range slices.Sorted(maps.Keys(pending)) {
		err := p.Project(ctx, pending[version])
		if errors.Is(err, ErrOutOfOrder) {
			return nil
		}
		delete(pending, version)
		if len(pending) == 0 {
			delete(p.parked, aggregateID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Project applies one event to the read models. Events at or below a model's
// version are ignored, so redelivery is harmless. An event further ahead than
// the next version fails with ErrOutOfOrder and leaves the model untouched.
func (p *Projector) Project(ctx context.Context, event store.Event) error {
	decoded, err := p.registry.Decode(event)
	if err != nil {
		if errors.Is(err, codec.ErrUnknownEventType) {
			p.logger.Debug().
				Str("aggregate_id", event.AggregateID).
				Str("event_type", event.EventType).
				Msg("No projection for event type")
			return p.advance(event)
		}
		return err
	}

	var applied bool
	switch e := decoded.(type) {
	case account.AccountOpened:
		applied, err = p.updateAccount(event, true, func(m *readmodel.AccountReadModel) error {
			m.OwnerID = e.OwnerID
			m.Currency = e.Currency
			m.Status = string(account.StatusOpen)
			m.OpenedAt = e.OpenedAt
			m.UpdatedAt = e.OpenedAt
			return nil
		})
	case account.FundsDeposited:
		applied, err = p.updateAccount(event, false, func(m *readmodel.AccountReadModel) error {
			if m.Balance > math.MaxInt64-e.Amount || m.TotalDeposited > math.MaxInt64-e.Amount {
				return fmt.Errorf("%w: %s at version %d", account.ErrBalanceOverflow, event.AggregateID, event.AggregateVersion)
			}
			m.Balance += e.Amount
			m.TotalDeposited += e.Amount
			m.UpdatedAt = e.DepositedAt
			return nil
		})
	case account.FundsWithdrawn:
		applied, err = p.updateAccount(event, false, func(m *readmodel.AccountReadModel) error {
			if m.TotalWithdrawn > math.MaxInt64-e.Amount {
				return fmt.Errorf("%w: %s at version %d", account.ErrBalanceOverflow, event.AggregateID, event.AggregateVersion)
			}
			m.Balance -= e.Amount
			m.TotalWithdrawn += e.Amount
			m.UpdatedAt = e.WithdrawnAt
			return nil
		})
	case account.AccountFrozen:
		applied, err = p.updateAccount(event, false, func(m *readmodel.AccountReadModel) error {
			m.Status = string(account.StatusFrozen)
			m.UpdatedAt = e.FrozenAt
			return nil
		})
	case account.AccountUnfrozen:
		applied, err = p.updateAccount(event, false, func(m *readmodel.AccountReadModel) error {
			m.Status = string(account.StatusOpen)
			m.UpdatedAt = e.UnfrozenAt
			return nil
		})
	case account.AccountClosed:
		applied, err = p.updateAccount(event, false, func(m *readmodel.AccountReadModel) error {
			m.Status = string(account.StatusClosed)
			m.UpdatedAt = e.ClosedAt
			return nil
		})

	case escrow.EscrowFunded:
		applied, err = p.updateEscrow(event, true, func(m *readmodel.EscrowReadModel) error {
			m.PayerID = e.PayerID
			m.PayeeID = e.PayeeID
			m.Amount = e.Amount
			m.Currency = e.Currency
			m.TaskRef = e.TaskRef
			m.Status = string(escrow.StatusFunded)
			m.FundedAt = e.FundedAt
			m.UpdatedAt = e.FundedAt
			return nil
		})
	case escrow.EscrowReleased:
		applied, err = p.updateEscrow(event, false, func(m *readmodel.EscrowReadModel) error {
			m.Status = string(escrow.StatusReleased)
			m.UpdatedAt = e.ReleasedAt
			return nil
		})
	case escrow.EscrowRefunded:
		applied, err = p.updateEscrow(event, false, func(m *readmodel.EscrowReadModel) error {
			m.Status = string(escrow.StatusRefunded)
			m.UpdatedAt = e.RefundedAt
			return nil
		})
	case escrow.EscrowDisputed:
		applied, err = p.updateEscrow(event, false, func(m *readmodel.EscrowReadModel) error {
			m.Status = string(escrow.StatusDisputed)
			m.DisputedBy = e.RaisedBy
			m.UpdatedAt = e.DisputedAt
			return nil
		})
	case escrow.EscrowDisputeResolved:
		applied, err = p.updateEscrow(event, false, func(m *readmodel.EscrowReadModel) error {
			m.Outcome = string(e.Outcome)
			if e.Outcome == escrow.OutcomePayee {
				m.Status = string(escrow.StatusReleased)
			} else {
				m.Status = string(escrow.StatusRefunded)
			}
			m.UpdatedAt = e.ResolvedAt
			return nil
		})

	default:
		return p.advance(event)
	}
	if err != nil {
		return err
	}

	p.logger.Debug().
		Str("aggregate_id", event.AggregateID).
		Uint64("version", event.AggregateVersion).
		Str("event_type", event.EventType).
		Bool("applied", applied).
		Msg("Projected event")
	return nil
}

// sequence reports whether event is the next one for a model at current.
// create allows a missing model to be started by the first event.
func sequence(event store.Event, current uint64, found, create bool) (bool, error) {
	switch {
	case found && event.AggregateVersion <= current:
		return false, nil
	case found && event.AggregateVersion == current+1:
		return true, nil
	case !found && create && event.AggregateVersion == 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: %s at version %d, projected up to %d",
		ErrOutOfOrder, event.AggregateID, event.AggregateVersion, current)
}

// updateAccount copies the current model, applies fn and stores the copy
func (p *Projector) updateAccount(event store.Event, create bool, fn func(*readmodel.AccountReadModel) error) (bool, error) {
	var err error
	applied := p.readStore.Upsert(readmodel.CollectionAccounts, event.AggregateID, func(current any, found bool) (any, bool) {
		next := &readmodel.AccountReadModel{ID: event.AggregateID}
		if found {
			*next = *current.(*readmodel.AccountReadModel)
		}
		var ok bool
		if ok, err = sequence(event, next.Version, found, create); !ok {
			return nil, false
		}
		if err = fn(next); err != nil {
			return nil, false
		}
		next.Version = event.AggregateVersion
		return next, true
	})
	return applied, err
}

func (p *Projector) updateEscrow(event store.Event, create bool, fn func(*readmodel.EscrowReadModel) error) (bool, error) {
	var err error
	applied := p.readStore.Upsert(readmodel.CollectionEscrows, event.AggregateID, func(current any, found bool) (any, bool) {
		next := &readmodel.EscrowReadModel{ID: event.AggregateID}
		if found {
			*next = *current.(*readmodel.EscrowReadModel)
		}
		var ok bool
		if ok, err = sequence(event, next.Version, found, create); !ok {
			return nil, false
		}
		if err = fn(next); err != nil {
			return nil, false
		}
		next.Version = event.AggregateVersion
		return next, true
	})
	return applied, err
}

// advance moves a model past an event that changes nothing it shows, so the
// following events stay in sequence. Streams without a read model are ignored.
func (p *Projector) advance(event store.Event) error {
	if _, ok := p.readStore.Get(readmodel.CollectionAccounts, event.AggregateID); ok {
		_, err := p.updateAccount(event, false, func(*readmodel.AccountReadModel) error { return nil })
		return err
	}
	if _, ok := p.readStore.Get(readmodel.CollectionEscrows, event.AggregateID); ok {
		_, err := p.updateEscrow(event, false, func(*readmodel.EscrowReadModel) error { return nil })
		return err
	}
	return nil
}

// Rebuild drops every read model and replays the global feed from the start.
// It returns the number of events read.
func (p *Projector) Rebuild(ctx context.Context, source store.GlobalReader, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultRebuildBatch
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.readStore.Reset()
	clear(p.parked)

	var (
		position int64
		total    int
	)
	for {
		events, err := source.ReadAll(ctx, position, batchSize)
		if err != nil {
			return total, fmt.Errorf("rebuild after position %d: %w", position, err)
		}
		for _, event := range events {
			if err := p.Project(ctx, event); err != nil {
				return total, err
			}
			position = event.Position
			total++
		}
		if len(events) < batchSize {
			break
		}
	}

	p.logger.Info().Int("events", total).Msg("Read models rebuilt")
	return total, nil
}
