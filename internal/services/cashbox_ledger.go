package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/classpay/backend/internal/models"
	"github.com/classpay/backend/internal/money"
)

// CashboxLedgerService owns the physical cash float per branch. Same locking
// discipline as wallets, smaller surface: no escrow, no bonus.
type CashboxLedgerService struct {
	db *sql.DB
}

func NewCashboxLedgerService(db *sql.DB) *CashboxLedgerService {
	return &CashboxLedgerService{db: db}
}

// GetOrCreateCashbox returns the branch's cashbox, creating it on first
// access. Provisioning is an explicit call, not an event listener.
func (s *CashboxLedgerService) GetOrCreateCashbox(branchID string) (*models.Cashbox, error) {
	box, err := s.findCashbox(branchID)
	if err == nil {
		return box, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	box = &models.Cashbox{BranchID: branchID}
	err = s.db.QueryRow(`
		INSERT INTO cashboxes (branch_id, balance, created_at, updated_at)
		VALUES ($1, 0, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		branchID).Scan(&box.ID, &box.CreatedAt, &box.UpdatedAt)

	if isUniqueViolation(err) {
		return s.findCashbox(branchID)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("[CASHBOX] Created cashbox %d for branch %s", box.ID, branchID)
	return box, nil
}

func (s *CashboxLedgerService) findCashbox(branchID string) (*models.Cashbox, error) {
	box := &models.Cashbox{}
	err := s.db.QueryRow(`
		SELECT id, branch_id, balance, created_at, updated_at
		FROM cashboxes
		WHERE branch_id = $1`,
		branchID).Scan(&box.ID, &box.BranchID, &box.Balance, &box.CreatedAt, &box.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return box, nil
}

// lockCashboxTx acquires the row lock serializing the branch's cash history.
func (s *CashboxLedgerService) lockCashboxTx(tx *sql.Tx, cashboxID int64) (*models.Cashbox, error) {
	box := &models.Cashbox{}
	err := tx.QueryRow(`
		SELECT id, branch_id, balance, created_at, updated_at
		FROM cashboxes
		WHERE id = $1
		FOR UPDATE`,
		cashboxID).Scan(&box.ID, &box.BranchID, &box.Balance, &box.CreatedAt, &box.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return box, nil
}

// UpdateBalanceTx applies a signed amount to the cash float inside an open
// transaction. Cash can never go negative.
func (s *CashboxLedgerService) UpdateBalanceTx(tx *sql.Tx, cashboxID int64, amount money.Money) (*models.Cashbox, error) {
	box, err := s.lockCashboxTx(tx, cashboxID)
	if err != nil {
		return nil, err
	}

	newBalance := box.Balance.Add(amount)
	if newBalance.IsNegative() {
		return nil, ErrInsufficientFunds("cashbox %d balance %s cannot absorb %s",
			cashboxID, box.Balance, amount)
	}

	_, err = tx.Exec(`UPDATE cashboxes SET balance = $1, updated_at = NOW() WHERE id = $2`,
		newBalance, cashboxID)
	if err != nil {
		return nil, err
	}

	box.Balance = newBalance
	return box, nil
}

// RecordCashTransactionTx appends one cash movement row. The balance
// snapshot is as mandatory here as on the wallet ledger.
func (s *CashboxLedgerService) RecordCashTransactionTx(tx *sql.Tx, ct *models.CashTransaction) (*models.CashTransaction, error) {
	if ct.BalanceAfter == nil {
		return nil, ErrTransactionIntegrity("cash movement (type %s, branch %s) has no balance snapshot", ct.Type, ct.BranchID)
	}

	err := tx.QueryRow(`
		INSERT INTO cash_transactions (branch_id, cashbox_id, amount, direction, type, actor_id, counterparty_id, balance_after, payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, created_at`,
		ct.BranchID, ct.CashboxID, ct.Amount, ct.Direction, ct.Type,
		ct.ActorID, ct.CounterpartyID, ct.BalanceAfter, ct.PaymentID).Scan(&ct.ID, &ct.CreatedAt)
	if err != nil {
		return nil, err
	}
	return ct, nil
}

// GetCashboxStatement returns cash movements for a branch, newest first.
func (s *CashboxLedgerService) GetCashboxStatement(branchID string, f StatementFilter) ([]models.CashTransaction, error) {
	conditions := []string{"branch_id = $1"}
	args := []interface{}{branchID}
	argIndex := 2

	if f.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIndex))
		args = append(args, f.Type)
		argIndex++
	}
	if f.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *f.From)
		argIndex++
	}
	if f.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIndex))
		args = append(args, *f.To)
		argIndex++
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT id, branch_id, cashbox_id, amount, direction, type, actor_id, counterparty_id, balance_after, payment_id, created_at
		FROM cash_transactions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		strings.Join(conditions, " AND "), argIndex, argIndex+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := []models.CashTransaction{}
	for rows.Next() {
		var ct models.CashTransaction
		if err := rows.Scan(&ct.ID, &ct.BranchID, &ct.CashboxID, &ct.Amount, &ct.Direction,
			&ct.Type, &ct.ActorID, &ct.CounterpartyID, &ct.BalanceAfter, &ct.PaymentID, &ct.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, ct)
	}
	return movements, rows.Err()
}

// CashboxStatement serves the cashbox statement query for administrators.
// @Summary Cashbox statement
// @Description Paginated cash movements for a branch
// @Tags cashboxes
// @Produce json
// @Param branchId path string true "Branch ID"
// @Param type query string false "Filter by movement type"
// @Param limit query int false "Page size (default 50, max 200)"
// @Param offset query int false "Page offset"
// @Success 200 {object} object{branch_id=string,movements=[]models.CashTransaction,count=int}
// @Failure 403 {object} ErrorResponse
// @Router /finance/cashboxes/{branchId}/statement [get]
func (s *CashboxLedgerService) CashboxStatement(w http.ResponseWriter, r *http.Request) {
	if isAdmin, _ := r.Context().Value("isAdmin").(bool); !isAdmin {
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
		return
	}

	branchID := chi.URLParam(r, "branchId")
	movements, err := s.GetCashboxStatement(branchID, statementFilterFromQuery(r))
	if err != nil {
		log.Printf("[CASHBOX] Statement query failed for branch %s: %v", branchID, err)
		SendErrorResponse(w, "Failed to fetch statement", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"branch_id": branchID,
		"movements": movements,
		"count":     len(movements),
	})
}
