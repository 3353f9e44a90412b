package escrow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/domain/aggregate"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Status string

const (
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidAmount     = errors.New("escrow amount must be positive")
	ErrInvalidParties    = errors.New("payer and payee must be set and differ")
	ErrNotParty          = errors.New("only the payer or payee may dispute")
	ErrInvalidOutcome    = errors.New("dispute outcome must be payee or payer")
	ErrInvalidTransition = errors.New("invalid escrow status transition")
	ErrEscrowSettled     = errors.New("escrow is already settled")
	ErrEscrowDisputed    = errors.New("escrow is under dispute")
	ErrNotDisputed       = errors.New("escrow is not under dispute")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusFunded:   {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed: {StatusReleased, StatusRefunded},
	StatusReleased: {}, // terminal state
	StatusRefunded: {}, // terminal state
}

// Terms describe the money held and who it is held for
type Terms struct {
	PayerID   string
	PayeeID   string
	Amount    int64
	Currency  string
	TaskRef   string
	ExpiresAt time.Time
}

type Escrow struct {
	ID            string    `json:"id"`
	PayerID       string    `json:"payer_id"`
	PayeeID       string    `json:"payee_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	TaskRef       string    `json:"task_ref,omitempty"`
	Status        Status    `json:"status"`
	DisputedBy    string    `json:"disputed_by,omitempty"`
	DisputeReason string    `json:"dispute_reason,omitempty"`
	Outcome       Outcome   `json:"outcome,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	FundedAt      time.Time `json:"funded_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	StreamVersion uint64    `json:"version"`
}

// New returns an empty escrow for replay
func New(id string) *Escrow {
	return &Escrow{ID: id}
}

// aggregate.Root implementation
func (e *Escrow) AggregateID() string { return e.ID }
func (e *Escrow) Version() uint64     { return e.StreamVersion }
func (e *Escrow) SetVersion(v uint64) { e.StreamVersion = v }

// Apply folds an event into the escrow state
func (e *Escrow) Apply(event codec.Event) error {
	switch ev := event.(type) {
	case EscrowFunded:
		e.ID = ev.EscrowID
		e.PayerID = ev.PayerID
		e.PayeeID = ev.PayeeID
		e.Amount = ev.Amount
		e.Currency = ev.Currency
		e.TaskRef = ev.TaskRef
		e.ExpiresAt = ev.ExpiresAt
		e.Status = StatusFunded
		e.FundedAt = ev.FundedAt
		e.UpdatedAt = ev.FundedAt
	case EscrowReleased:
		e.Status = StatusReleased
		e.UpdatedAt = ev.ReleasedAt
	case EscrowRefunded:
		e.Status = StatusRefunded
		e.UpdatedAt = ev.RefundedAt
	case EscrowDisputed:
		e.Status = StatusDisputed
		e.DisputedBy = ev.RaisedBy
		e.DisputeReason = ev.Reason
		e.UpdatedAt = ev.DisputedAt
	case EscrowDisputeResolved:
		e.Outcome = ev.Outcome
		if ev.Outcome == OutcomePayee {
			e.Status = StatusReleased
		} else {
			e.Status = StatusRefunded
		}
		e.UpdatedAt = ev.ResolvedAt
	default:
		return fmt.Errorf("escrow: unexpected event %s", event.EventType())
	}
	return nil
}

func (e *Escrow) exists() bool { return e.StreamVersion > 0 }

// CanTransitionTo checks if the escrow can transition to the target status
func (e *Escrow) CanTransitionTo(target Status) bool {
	return slices.Contains(validTransitions[e.Status], target)
}

// transitionError returns an appropriate error for an invalid transition
func (e *Escrow) transitionError(target Status) error {
	switch e.Status {
	case StatusReleased, StatusRefunded:
		return ErrEscrowSettled
	case StatusDisputed:
		return ErrEscrowDisputed
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, e.Status, target)
	}
}

// settle checks a direct, undisputed move to target
func (e *Escrow) settle(target Status) error {
	if !e.exists() {
		return ErrEscrowNotFound
	}
	if e.Status == StatusDisputed || !e.CanTransitionTo(target) {
		return e.transitionError(target)
	}
	return nil
}

func (e *Escrow) fund(t Terms, now time.Time) ([]codec.Event, error) {
	if e.exists() {
		return nil, ErrEscrowSettled
	}
	if t.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if t.PayerID == "" || t.PayeeID == "" || t.PayerID == t.PayeeID {
		return nil, ErrInvalidParties
	}
	return []codec.Event{EscrowFunded{
		EscrowID:  e.ID,
		PayerID:   t.PayerID,
		PayeeID:   t.PayeeID,
		Amount:    t.Amount,
		Currency:  t.Currency,
		TaskRef:   t.TaskRef,
		ExpiresAt: t.ExpiresAt,
		FundedAt:  now,
	}}, nil
}

func (e *Escrow) release(now time.Time) ([]codec.Event, error) {
	if err := e.settle(StatusReleased); err != nil {
		return nil, err
	}
	return []codec.Event{EscrowReleased{EscrowID: e.ID, ReleasedAt: now}}, nil
}

func (e *Escrow) refund(reason string, now time.Time) ([]codec.Event, error) {
	if err := e.settle(StatusRefunded); err != nil {
		return nil, err
	}
	return []codec.Event{EscrowRefunded{EscrowID: e.ID, Reason: reason, RefundedAt: now}}, nil
}

func (e *Escrow) dispute(raisedBy, reason string, now time.Time) ([]codec.Event, error) {
	if err := e.settle(StatusDisputed); err != nil {
		return nil, err
	}
	if raisedBy != e.PayerID && raisedBy != e.PayeeID {
		return nil, ErrNotParty
	}
	return []codec.Event{EscrowDisputed{
		EscrowID:   e.ID,
		RaisedBy:   raisedBy,
		Reason:     reason,
		DisputedAt: now,
	}}, nil
}

func (e *Escrow) resolve(outcome Outcome, note string, now time.Time) ([]codec.Event, error) {
	if outcome != OutcomePayee && outcome != OutcomePayer {
		return nil, ErrInvalidOutcome
	}
	switch {
	case !e.exists():
		return nil, ErrEscrowNotFound
	case e.Status == StatusReleased || e.Status == StatusRefunded:
		return nil, ErrEscrowSettled
	case e.Status != StatusDisputed:
		return nil, ErrNotDisputed
	}
	return []codec.Event{EscrowDisputeResolved{
		EscrowID:   e.ID,
		Outcome:    outcome,
		Note:       note,
		ResolvedAt: now,
	}}, nil
}

// NewRepository returns an escrow repository over s
func NewRepository(s aggregate.Store, registry *codec.Registry, opts ...aggregate.Option) *aggregate.Repository[*Escrow] {
	return aggregate.NewRepository(s, registry, New, opts...)
}

type Service struct {
	repo  *aggregate.Repository[*Escrow]
	clock clockwork.Clock
}

func NewService(repo *aggregate.Repository[*Escrow], clock clockwork.Clock) *Service {
	return &Service{repo: repo, clock: clock}
}

func (s *Service) execute(ctx context.Context, escrowID string, decide aggregate.Decision[*Escrow]) (*Escrow, error) {
	return aggregate.Execute(ctx, s.repo, escrowID, codec.MetadataFromContext(ctx), decide)
}

// Fund opens a new escrow holding the agreed amount
func (s *Service) Fund(ctx context.Context, terms Terms) (*Escrow, error) {
	escrowID := uuid.New().String()
	return s.execute(ctx, escrowID, func(e *Escrow) ([]codec.Event, error) {
		return e.fund(terms, s.clock.Now())
	})
}

// Release pays the held amount out to the payee
func (s *Service) Release(ctx context.Context, escrowID string) (*Escrow, error) {
	return s.execute(ctx, escrowID, func(e *Escrow) ([]codec.Event, error) {
		return e.release(s.clock.Now())
	})
}

// Refund returns the held amount to the payer
func (s *Service) Refund(ctx context.Context, escrowID, reason string) (*Escrow, error) {
	return s.execute(ctx, escrowID, func(e *Escrow) ([]codec.Event, error) {
		return e.refund(reason, s.clock.Now())
	})
}

func (s *Service) Dispute(ctx context.Context, escrowID, raisedBy, reason string) (*Escrow, error) {
	return s.execute(ctx, escrowID, func(e *Escrow) ([]codec.Event, error) {
		return e.dispute(raisedBy, reason, s.clock.Now())
	})
}

func (s *Service) Resolve(ctx context.Context, escrowID string, outcome Outcome, note string) (*Escrow, error) {
	return s.execute(ctx, escrowID, func(e *Escrow) ([]codec.Event, error) {
		return e.resolve(outcome, note, s.clock.Now())
	})
}

func (s *Service) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	e, err := s.repo.Load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !e.exists() {
		return nil, ErrEscrowNotFound
	}
	return e, nil
}
