package query

// Re-export read models from readmodel package for handler callers
import "github.com/example/fintech-ledger/internal/readmodel"

type AccountReadModel = readmodel.AccountReadModel
type EscrowReadModel = readmodel.EscrowReadModel
