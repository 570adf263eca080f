package models

import (
	"time"

	"github.com/classpay/backend/internal/money"
)

// Cash movement directions.
const (
	CashIn  = "IN"
	CashOut = "OUT"
)

// Cashbox is the physical cash float of one branch. No locked or bonus
// balance; the same non-negative invariant as wallets applies.
type Cashbox struct {
	ID        int64       `json:"id" db:"id"`
	BranchID  string      `json:"branch_id" db:"branch_id"`
	Balance   money.Money `json:"balance" db:"balance"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// CashTransaction is one immutable cash movement row, the cash counterpart
// of a wallet Transaction leg.
type CashTransaction struct {
	ID             int64        `json:"id" db:"id"`
	BranchID       string       `json:"branch_id" db:"branch_id"`
	CashboxID      int64        `json:"cashbox_id" db:"cashbox_id"`
	Amount         money.Money  `json:"amount" db:"amount"`
	Direction      string       `json:"direction" db:"direction"`
	Type           string       `json:"type" db:"type"`
	ActorID        string       `json:"actor_id" db:"actor_id"`
	CounterpartyID string       `json:"counterparty_id" db:"counterparty_id"`
	BalanceAfter   *money.Money `json:"balance_after" db:"balance_after"`
	PaymentID      *string      `json:"payment_id,omitempty" db:"payment_id"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}
