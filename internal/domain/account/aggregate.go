package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/domain/aggregate"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusFrozen Status = "frozen"
	StatusClosed Status = "closed"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidCurrency   = errors.New("currency must be a three letter ISO code")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountFrozen     = errors.New("account is frozen")
	ErrAccountClosed     = errors.New("account is closed")
	ErrAccountNotFrozen  = errors.New("account is not frozen")
	ErrNonZeroBalance    = errors.New("account balance must be zero to close")
	ErrBalanceOverflow   = errors.New("deposit would overflow the account balance")
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

type Account struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Currency      string    `json:"currency"`
	Balance       int64     `json:"balance"`
	Status        Status    `json:"status"`
	FreezeReason  string    `json:"freeze_reason,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	StreamVersion uint64    `json:"version"`
}

// New returns an empty account for replay
func New(id string) *Account {
	return &Account{ID: id}
}

// aggregate.Root implementation
func (a *Account) AggregateID() string { return a.ID }
func (a *Account) Version() uint64     { return a.StreamVersion }
func (a *Account) SetVersion(v uint64) { a.StreamVersion = v }

// Apply folds an event into the account state
func (a *Account) Apply(event codec.Event) error {
	switch e := event.(type) {
	case AccountOpened:
		a.ID = e.AccountID
		a.OwnerID = e.OwnerID
		a.Currency = e.Currency
		a.Status = StatusOpen
		a.OpenedAt = e.OpenedAt
		a.UpdatedAt = e.OpenedAt
	case FundsDeposited:
		if a.Balance > math.MaxInt64-e.Amount {
			return fmt.Errorf("%w: %d + %d", ErrBalanceOverflow, a.Balance, e.Amount)
		}
		a.Balance += e.Amount
		a.UpdatedAt = e.DepositedAt
	case FundsWithdrawn:
		a.Balance -= e.Amount
		a.UpdatedAt = e.WithdrawnAt
	case AccountFrozen:
		a.Status = StatusFrozen
		a.FreezeReason = e.Reason
		a.UpdatedAt = e.FrozenAt
	case AccountUnfrozen:
		a.Status = StatusOpen
		a.FreezeReason = ""
		a.UpdatedAt = e.UnfrozenAt
	case AccountClosed:
		a.Status = StatusClosed
		a.UpdatedAt = e.ClosedAt
	default:
		return fmt.Errorf("account: unexpected event %s", event.EventType())
	}
	return nil
}

func (a *Account) exists() bool { return a.StreamVersion > 0 }

// requireOpen checks the account accepts money movements
func (a *Account) requireOpen() error {
	switch {
	case !a.exists():
		return ErrAccountNotFound
	case a.Status == StatusClosed:
		return ErrAccountClosed
	case a.Status == StatusFrozen:
		return ErrAccountFrozen
	}
	return nil
}

func (a *Account) open(ownerID, currency string, now time.Time) ([]codec.Event, error) {
	if a.exists() {
		return nil, ErrAccountExists
	}
	if !currencyCode.MatchString(currency) {
		return nil, ErrInvalidCurrency
	}
	return []codec.Event{AccountOpened{
		AccountID: a.ID,
		OwnerID:   ownerID,
		Currency:  currency,
		OpenedAt:  now,
	}}, nil
}

func (a *Account) deposit(amount int64, reference string, now time.Time) ([]codec.Event, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := a.requireOpen(); err != nil {
		return nil, err
	}
	if a.Balance > math.MaxInt64-amount {
		return nil, ErrBalanceOverflow
	}
	return []codec.Event{FundsDeposited{
		AccountID:   a.ID,
		Amount:      amount,
		Reference:   reference,
		DepositedAt: now,
	}}, nil
}

func (a *Account) withdraw(amount int64, reference string, now time.Time) ([]codec.Event, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := a.requireOpen(); err != nil {
		return nil, err
	}
	if a.Balance < amount {
		return nil, ErrInsufficientFunds
	}
	return []codec.Event{FundsWithdrawn{
		AccountID:   a.ID,
		Amount:      amount,
		Reference:   reference,
		WithdrawnAt: now,
	}}, nil
}

func (a *Account) freeze(reason string, now time.Time) ([]codec.Event, error) {
	if err := a.requireOpen(); err != nil {
		return nil, err
	}
	return []codec.Event{AccountFrozen{AccountID: a.ID, Reason: reason, FrozenAt: now}}, nil
}

func (a *Account) unfreeze(now time.Time) ([]codec.Event, error) {
	switch {
	case !a.exists():
		return nil, ErrAccountNotFound
	case a.Status == StatusClosed:
		return nil, ErrAccountClosed
	case a.Status != StatusFrozen:
		return nil, ErrAccountNotFrozen
	}
	return []codec.Event{AccountUnfrozen{AccountID: a.ID, UnfrozenAt: now}}, nil
}

func (a *Account) close(now time.Time) ([]codec.Event, error) {
	if err := a.requireOpen(); err != nil {
		return nil, err
	}
	if a.Balance != 0 {
		return nil, ErrNonZeroBalance
	}
	return []codec.Event{AccountClosed{AccountID: a.ID, ClosedAt: now}}, nil
}

// NewRepository returns an account repository over s
func NewRepository(s aggregate.Store, registry *codec.Registry, opts ...aggregate.Option) *aggregate.Repository[*Account] {
	return aggregate.NewRepository(s, registry, New, opts...)
}

type Service struct {
	repo  *aggregate.Repository[*Account]
	clock clockwork.Clock
}

func NewService(repo *aggregate.Repository[*Account], clock clockwork.Clock) *Service {
	return &Service{repo: repo, clock: clock}
}

func (s *Service) execute(ctx context.Context, accountID string, decide aggregate.Decision[*Account]) (*Account, error) {
	return aggregate.Execute(ctx, s.repo, accountID, codec.MetadataFromContext(ctx), decide)
}

// Open creates a new account for ownerID
func (s *Service) Open(ctx context.Context, ownerID, currency string) (*Account, error) {
	accountID := uuid.New().String()
	return s.execute(ctx, accountID, func(a *Account) ([]codec.Event, error) {
		return a.open(ownerID, currency, s.clock.Now())
	})
}

func (s *Service) Deposit(ctx context.Context, accountID string, amount int64, reference string) (*Account, error) {
	return s.execute(ctx, accountID, func(a *Account) ([]codec.Event, error) {
		return a.deposit(amount, reference, s.clock.Now())
	})
}

func (s *Service) Withdraw(ctx context.Context, accountID string, amount int64, reference string) (*Account, error) {
	return s.execute(ctx, accountID, func(a *Account) ([]codec.Event, error) {
		return a.withdraw(amount, reference, s.clock.Now())
	})
}

func (s *Service) Freeze(ctx context.Context, accountID, reason string) (*Account, error) {
	return s.execute(ctx, accountID, func(a *Account) ([]codec.Event, error) {
		return a.freeze(reason, s.clock.Now())
	})
}

func (s *Service) Unfreeze(ctx context.Context, accountID string) (*Account, error) {
	return s.execute(ctx, accountID, func(a *Account) ([]codec.Event, error) {
		return a.unfreeze(s.clock.Now())
	})
}

func (s *Service) Close(ctx context.Context, accountID string) (*Account, error) {
	return s.execute(ctx, accountID, func(a *Account) ([]codec.Event, error) {
		return a.close(s.clock.Now())
	})
}

// Get returns the current state of an account
func (s *Service) Get(ctx context.Context, accountID string) (*Account, error) {
	a, err := s.repo.Load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !a.exists() {
		return nil, ErrAccountNotFound
	}
	return a, nil
}
