package account

import "time"

const (
	EventAccountOpened   = "AccountOpened"
	EventFundsDeposited  = "FundsDeposited"
	EventFundsWithdrawn  = "FundsWithdrawn"
	EventAccountFrozen   = "AccountFrozen"
	EventAccountUnfrozen = "AccountUnfrozen"
	EventAccountClosed   = "AccountClosed"
)

// AccountOpened is at schema revision 2; revision 1 had no currency
type AccountOpened struct {
	AccountID string    `json:"account_id"`
	OwnerID   string    `json:"owner_id"`
	Currency  string    `json:"currency"`
	OpenedAt  time.Time `json:"opened_at"`
}

type FundsDeposited struct {
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	DepositedAt time.Time `json:"deposited_at"`
}

type FundsWithdrawn struct {
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	WithdrawnAt time.Time `json:"withdrawn_at"`
}

type AccountFrozen struct {
	AccountID string    `json:"account_id"`
	Reason    string    `json:"reason"`
	FrozenAt  time.Time `json:"frozen_at"`
}

type AccountUnfrozen struct {
	AccountID  string    `json:"account_id"`
	UnfrozenAt time.Time `json:"unfrozen_at"`
}

type AccountClosed struct {
	AccountID string    `json:"account_id"`
	ClosedAt  time.Time `json:"closed_at"`
}

func (AccountOpened) EventType() string   { return EventAccountOpened }
func (FundsDeposited) EventType() string  { return EventFundsDeposited }
func (FundsWithdrawn) EventType() string  { return EventFundsWithdrawn }
func (AccountFrozen) EventType() string   { return EventAccountFrozen }
func (AccountUnfrozen) EventType() string { return EventAccountUnfrozen }
func (AccountClosed) EventType() string   { return EventAccountClosed }
