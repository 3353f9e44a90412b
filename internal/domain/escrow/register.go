package escrow

import (
	"errors"

	"github.com/example/fintech-ledger/internal/codec"
)

// Register adds the escrow events to a registry
func Register(r *codec.Registry) error {
	return errors.Join(
		codec.Register[EscrowFunded](r),
		codec.Register[EscrowReleased](r),
		codec.Register[EscrowRefunded](r),
		codec.Register[EscrowDisputed](r),
		codec.Register[EscrowDisputeResolved](r),
	)
}
