package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Credit transaction kinds.
const (
	CreditKindReserve  = "reserve"
	CreditKindFinalize = "finalize"
	CreditKindRefund   = "refund"
	CreditKindTopUp    = "topup"
)

// CreditTransaction is one append-only ledger entry. Amount is signed:
// negative for debits (reserve), positive for credits (refund, topup),
// zero for finalize.
type CreditTransaction struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	GenerationID *uuid.UUID      `json:"generation_id,omitempty"`
	Kind         string          `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}
