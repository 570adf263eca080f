package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/classpay/backend/internal/models"
	"github.com/classpay/backend/internal/money"
)

// TransactionLedgerService is the sole writer of wallet balance history. Rows
// are append-only; nothing here updates or deletes a persisted leg.
type TransactionLedgerService struct {
	db *sql.DB
}

func NewTransactionLedgerService(db *sql.DB) *TransactionLedgerService {
	return &TransactionLedgerService{db: db}
}

// CreateTransactionTx persists one ledger leg inside an open transaction.
// A missing balance snapshot is a programmer error and fails fast before
// anything is written: without it point-in-time reconciliation would need a
// full history replay.
func (s *TransactionLedgerService) CreateTransactionTx(tx *sql.Tx, leg *models.Transaction) (*models.Transaction, error) {
	if leg.BalanceAfter == nil {
		return nil, ErrTransactionIntegrity("ledger leg (type %s, correlation %s) has no balance snapshot", leg.Type, leg.CorrelationID)
	}
	if leg.Amount.IsNegative() && leg.FromWalletID == nil {
		return nil, ErrTransactionIntegrity("debit leg (correlation %s) names no debited wallet", leg.CorrelationID)
	}
	if leg.Amount.IsPositive() && leg.ToWalletID == nil {
		return nil, ErrTransactionIntegrity("credit leg (correlation %s) names no credited wallet", leg.CorrelationID)
	}
	if leg.CorrelationID == "" {
		leg.CorrelationID = uuid.NewString()
	}

	err := tx.QueryRow(`
		INSERT INTO transactions (from_wallet_id, to_wallet_id, amount, type, correlation_id, balance_after, payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`,
		leg.FromWalletID, leg.ToWalletID, leg.Amount, leg.Type,
		leg.CorrelationID, leg.BalanceAfter, leg.PaymentID).Scan(&leg.ID, &leg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return leg, nil
}

// CreateSplitTransactionsTx persists multiple legs under one correlation id
// in the order given (debits before credits, by convention of the callers).
func (s *TransactionLedgerService) CreateSplitTransactionsTx(tx *sql.Tx, legs []*models.Transaction, correlationID string) ([]*models.Transaction, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	for _, leg := range legs {
		leg.CorrelationID = correlationID
		if _, err := s.CreateTransactionTx(tx, leg); err != nil {
			return nil, err
		}
	}
	return legs, nil
}

// ValidateCorrelationSum checks that the signed amounts of all legs under a
// correlation id sum to the expected net effect. Reconciliation tooling and
// tests use this; the hot path does not.
func (s *TransactionLedgerService) ValidateCorrelationSum(correlationID string, expected money.Money) (bool, error) {
	var sum money.Money
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE correlation_id = $1`,
		correlationID).Scan(&sum)
	if err != nil {
		return false, err
	}
	return sum.Equal(expected), nil
}

// ReconcileRecentCorrelations scans correlation groups created since the
// cutoff and reports those whose internal legs do not sum to zero. Groups
// with an external side (topups, cash principal fee legs viewed alone) are
// exempt: a leg with only one wallet reference represents money entering or
// leaving the system.
func (s *TransactionLedgerService) ReconcileRecentCorrelations(since time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT correlation_id, SUM(amount) AS net
		FROM transactions
		WHERE created_at >= $1
		GROUP BY correlation_id
		HAVING SUM(amount) <> 0
		   AND COUNT(*) FILTER (WHERE from_wallet_id IS NULL OR to_wallet_id IS NULL) = 0`,
		since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var correlationID string
		var net money.Money
		if err := rows.Scan(&correlationID, &net); err != nil {
			return nil, err
		}
		log.Printf("[LEDGER] Unbalanced correlation group %s: net %s", correlationID, net)
		violations = append(violations, correlationID)
	}
	return violations, rows.Err()
}
