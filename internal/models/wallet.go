package models

import (
	"time"

	"github.com/classpay/backend/internal/money"
)

// Wallet owner types.
const (
	OwnerUserProfile = "USER_PROFILE"
	OwnerBranch      = "BRANCH"
	OwnerSystem      = "SYSTEM"
)

// SystemWalletOwnerID is the fixed owner id of the pre-seeded system wallet
// that collects fees. It is a normal wallet row under the same locking
// discipline as every other wallet.
const SystemWalletOwnerID = "system"

type Wallet struct {
	ID            int64       `json:"id" db:"id"`
	OwnerID       string      `json:"owner_id" db:"owner_id"`
	OwnerType     string      `json:"owner_type" db:"owner_type"`
	Balance       money.Money `json:"balance" db:"balance"`
	LockedBalance money.Money `json:"locked_balance" db:"locked_balance"`
	BonusBalance  money.Money `json:"bonus_balance" db:"bonus_balance"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// StatementLine is one ledger leg as seen from a wallet's point of view.
// Amount is negative when the wallet is the debited side.
type StatementLine struct {
	TransactionID int64       `json:"transaction_id"`
	CorrelationID string      `json:"correlation_id"`
	Type          string      `json:"type"`
	Amount        money.Money `json:"amount"`
	BalanceAfter  money.Money `json:"balance_after"`
	Counterparty  string      `json:"counterparty,omitempty"`
	PaymentID     *string     `json:"payment_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
