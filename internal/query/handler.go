package query

import (
	"sort"

	"github.com/example/fintech-ledger/internal/domain/account"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/example/fintech-ledger/internal/readmodel"
)

type Handler struct {
	readStore store.ReadStoreInterface
}

func NewHandler(readStore store.ReadStoreInterface) *Handler {
	return &Handler{readStore: readStore}
}

// Accounts
func (h *Handler) GetAccount(id string) (*AccountReadModel, bool) {
	data, ok := h.readStore.Get(readmodel.CollectionAccounts, id)
	if !ok {
		return nil, false
	}
	return data.(*AccountReadModel), true
}

// ListAccountsByOwner returns an owner's accounts, oldest first
func (h *Handler) ListAccountsByOwner(ownerID string) []*AccountReadModel {
	accounts := make([]*AccountReadModel, 0)
	for _, item := range h.readStore.GetAll(readmodel.CollectionAccounts) {
		a := item.(*AccountReadModel)
		if a.OwnerID == ownerID {
			accounts = append(accounts, a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].OpenedAt.Equal(accounts[j].OpenedAt) {
			return accounts[i].ID < accounts[j].ID
		}
		return accounts[i].OpenedAt.Before(accounts[j].OpenedAt)
	})
	return accounts
}

// TotalBalance sums balances per currency across all open or frozen accounts
func (h *Handler) TotalBalance() map[string]int64 {
	totals := make(map[string]int64)
	for _, item := range h.readStore.GetAll(readmodel.CollectionAccounts) {
		a := item.(*AccountReadModel)
		if a.Status == string(account.StatusClosed) {
			continue
		}
		totals[a.Currency] += a.Balance
	}
	return totals
}

// Escrows
func (h *Handler) GetEscrow(id string) (*EscrowReadModel, bool) {
	data, ok := h.readStore.Get(readmodel.CollectionEscrows, id)
	if !ok {
		return nil, false
	}
	return data.(*EscrowReadModel), true
}

// ListEscrowsByParty returns escrows where partyID is payer or payee
func (h *Handler) ListEscrowsByParty(partyID string) []*EscrowReadModel {
	escrows := make([]*EscrowReadModel, 0)
	for _, item := range h.readStore.GetAll(readmodel.CollectionEscrows) {
		e := item.(*EscrowReadModel)
		if e.PayerID == partyID || e.PayeeID == partyID {
			escrows = append(escrows, e)
		}
	}
	sort.Slice(escrows, func(i, j int) bool { return escrows[i].ID < escrows[j].ID })
	return escrows
}
