package readmodel

import "time"

// Collection names in the read store
const (
	CollectionAccounts = "accounts"
	CollectionEscrows  = "escrows"
)

// AccountReadModel is the read model for ledger accounts
type AccountReadModel struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Currency       string    `json:"currency"`
	Balance        int64     `json:"balance"`
	TotalDeposited int64     `json:"total_deposited"`
	TotalWithdrawn int64     `json:"total_withdrawn"`
	Status         string    `json:"status"`
	OpenedAt       time.Time `json:"opened_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        uint64    `json:"version"` // Last applied aggregate version
}

// EscrowReadModel is the read model for agent-protocol escrows
type EscrowReadModel struct {
	ID         string    `json:"id"`
	PayerID    string    `json:"payer_id"`
	PayeeID    string    `json:"payee_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	TaskRef    string    `json:"task_ref,omitempty"`
	Status     string    `json:"status"`
	DisputedBy string    `json:"disputed_by,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	FundedAt   time.Time `json:"funded_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Version    uint64    `json:"version"` // Last applied aggregate version
}
