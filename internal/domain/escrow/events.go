package escrow

import "time"

const (
	EventEscrowFunded          = "EscrowFunded"
	EventEscrowReleased        = "EscrowReleased"
	EventEscrowRefunded        = "EscrowRefunded"
	EventEscrowDisputed        = "EscrowDisputed"
	EventEscrowDisputeResolved = "EscrowDisputeResolved"
)

// Outcome names the party a dispute is settled in favour of
type Outcome string

const (
	OutcomePayee Outcome = "payee"
	OutcomePayer Outcome = "payer"
)

type EscrowFunded struct {
	EscrowID  string    `json:"escrow_id"`
	PayerID   string    `json:"payer_id"`
	PayeeID   string    `json:"payee_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	TaskRef   string    `json:"task_ref,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	FundedAt  time.Time `json:"funded_at"`
}

type EscrowReleased struct {
	EscrowID   string    `json:"escrow_id"`
	ReleasedAt time.Time `json:"released_at"`
}

type EscrowRefunded struct {
	EscrowID   string    `json:"escrow_id"`
	Reason     string    `json:"reason"`
	RefundedAt time.Time `json:"refunded_at"`
}

type EscrowDisputed struct {
	EscrowID   string    `json:"escrow_id"`
	RaisedBy   string    `json:"raised_by"`
	Reason     string    `json:"reason"`
	DisputedAt time.Time `json:"disputed_at"`
}

type EscrowDisputeResolved struct {
	EscrowID   string    `json:"escrow_id"`
	Outcome    Outcome   `json:"outcome"`
	Note       string    `json:"note,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func (EscrowFunded) EventType() string          { return EventEscrowFunded }
func (EscrowReleased) EventType() string        { return EventEscrowReleased }
func (EscrowRefunded) EventType() string        { return EventEscrowRefunded }
func (EscrowDisputed) EventType() string        { return EventEscrowDisputed }
func (EscrowDisputeResolved) EventType() string { return EventEscrowDisputeResolved }
