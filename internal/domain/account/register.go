package account

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/fintech-ledger/internal/codec"
)

// DefaultCurrency is assigned to accounts opened before currencies existed
const DefaultCurrency = "USD"

// Register adds the account events to a registry
func Register(r *codec.Registry) error {
	return errors.Join(
		codec.Register[AccountOpened](r,
			codec.WithVersion(2),
			codec.WithUpcaster(1, upcastOpenedV1),
		),
		codec.Register[FundsDeposited](r),
		codec.Register[FundsWithdrawn](r),
		codec.Register[AccountFrozen](r),
		codec.Register[AccountUnfrozen](r),
		codec.Register[AccountClosed](r),
	)
}

func upcastOpenedV1(payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("%s payload must be an object, got %s", EventAccountOpened, payload)
	}
	if _, ok := fields["currency"]; !ok {
		fields["currency"] = json.RawMessage(`"` + DefaultCurrency + `"`)
	}
	return json.Marshal(fields)
}
