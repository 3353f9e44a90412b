package api

import (
	"errors"
	"net/http"

	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/domain/account"
	"github.com/example/fintech-ledger/internal/domain/aggregate"
	"github.com/example/fintech-ledger/internal/domain/escrow"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	badRequest = []error{
		store.ErrInvalidAggregateID,
		store.ErrEmptyAppend,
		store.ErrBatchTooLarge,
		account.ErrInvalidAmount,
		account.ErrInvalidCurrency,
		escrow.ErrInvalidAmount,
		escrow.ErrInvalidParties,
		escrow.ErrInvalidOutcome,
	}
	notFound = []error{
		account.ErrAccountNotFound,
		escrow.ErrEscrowNotFound,
	}
	// business rule violations against the current state
	conflicts = []error{
		store.ErrConcurrencyConflict,
		account.ErrAccountExists,
		account.ErrInsufficientFunds,
		account.ErrAccountFrozen,
		account.ErrAccountClosed,
		account.ErrAccountNotFrozen,
		account.ErrNonZeroBalance,
		account.ErrBalanceOverflow,
		escrow.ErrInvalidTransition,
		escrow.ErrEscrowSettled,
		escrow.ErrEscrowDisputed,
		escrow.ErrNotDisputed,
	}
)

func matches(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// statusFor maps a core error to an HTTP status
func statusFor(err error) int {
	switch {
	case matches(err, badRequest):
		return http.StatusBadRequest
	case matches(err, notFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrNotParty):
		return http.StatusForbidden
	case matches(err, conflicts):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes a JSON error response. Server side failures are logged
// and their details withheld from the client.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		event := log.Error().Err(err).Str("path", c.FullPath())
		if errors.Is(err, aggregate.ErrVersionGap) || errors.Is(err, codec.ErrSerialization) {
			event = event.Bool("corrupt_stream", true)
		}
		event.Msg("Request failed")
		c.JSON(status, gin.H{"error": http.StatusText(status)})
		return
	}

	body := gin.H{"error": err.Error()}
	var ce *store.ConcurrencyError
	if errors.As(err, &ce) {
		body["expected_version"] = ce.Expected
		body["current_version"] = ce.Actual
	}
	c.JSON(status, body)
}

func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
