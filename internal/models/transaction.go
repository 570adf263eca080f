package models

import (
	"time"

	"github.com/classpay/backend/internal/money"
)

// Transaction types.
const (
	TxStudentBill      = "STUDENT_BILL"
	TxTeacherPayout    = "TEACHER_PAYOUT"
	TxInternalTransfer = "INTERNAL_TRANSFER"
	TxTopup            = "TOPUP"
	TxRefund           = "REFUND"
	TxExpense          = "EXPENSE"
	TxSystemFee        = "SYSTEM_FEE"
	TxBranchWithdrawal = "BRANCH_WITHDRAWAL"
	TxBranchDeposit    = "BRANCH_DEPOSIT"
)

// Transaction is one immutable ledger leg. Exactly one of FromWalletID /
// ToWalletID names the affected wallet (debit or credit respectively); the
// other side, when set, is the counterparty reference. Amount is signed:
// negative for the debited wallet, positive for the credited one.
// BalanceAfter snapshots the affected wallet's balance right after the leg
// applied; a leg without it must never be persisted.
type Transaction struct {
	ID            int64        `json:"id" db:"id"`
	FromWalletID  *int64       `json:"from_wallet_id,omitempty" db:"from_wallet_id"`
	ToWalletID    *int64       `json:"to_wallet_id,omitempty" db:"to_wallet_id"`
	Amount        money.Money  `json:"amount" db:"amount"`
	Type          string       `json:"type" db:"type"`
	CorrelationID string       `json:"correlation_id" db:"correlation_id"`
	BalanceAfter  *money.Money `json:"balance_after" db:"balance_after"`
	PaymentID     *string      `json:"payment_id,omitempty" db:"payment_id"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}
