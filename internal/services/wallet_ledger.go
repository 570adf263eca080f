package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/classpay/backend/internal/models"
	"github.com/classpay/backend/internal/money"
)

// WalletLedgerService owns current wallet balances. Every balance change goes
// through a row-level FOR UPDATE lock; lock contention is retried with
// exponential backoff before the failure is surfaced.
type WalletLedgerService struct {
	db         *sql.DB
	maxRetries int
	retryBase  time.Duration
}

func NewWalletLedgerService(db *sql.DB) *WalletLedgerService {
	viper.SetDefault("finance.lock_retries", 3)
	viper.SetDefault("finance.lock_retry_base", 100*time.Millisecond)

	return &WalletLedgerService{
		db:         db,
		maxRetries: viper.GetInt("finance.lock_retries"),
		retryBase:  viper.GetDuration("finance.lock_retry_base"),
	}
}

// GetOrCreateWallet returns the wallet for (ownerID, ownerType), creating it
// with zero balances on first access. Idempotent; wallets are never deleted.
func (s *WalletLedgerService) GetOrCreateWallet(ownerID, ownerType string) (*models.Wallet, error) {
	wallet, err := s.findWallet(s.db, ownerID, ownerType)
	if err == nil {
		return wallet, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	wallet = &models.Wallet{OwnerID: ownerID, OwnerType: ownerType}
	err = s.db.QueryRow(`
		INSERT INTO wallets (owner_id, owner_type, balance, locked_balance, bonus_balance, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		ownerID, ownerType).Scan(&wallet.ID, &wallet.CreatedAt, &wallet.UpdatedAt)

	if isUniqueViolation(err) {
		// Concurrent first access created the row; reread it.
		return s.findWallet(s.db, ownerID, ownerType)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("[WALLET] Created wallet %d for %s:%s", wallet.ID, ownerType, ownerID)
	return wallet, nil
}

func (s *WalletLedgerService) getOrCreateWalletTx(tx *sql.Tx, ownerID, ownerType string) (*models.Wallet, error) {
	wallet, err := s.findWallet(tx, ownerID, ownerType)
	if err == nil {
		return wallet, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	wallet = &models.Wallet{OwnerID: ownerID, OwnerType: ownerType}
	err = tx.QueryRow(`
		INSERT INTO wallets (owner_id, owner_type, balance, locked_balance, bonus_balance, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		ownerID, ownerType).Scan(&wallet.ID, &wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

type rowQuerier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *WalletLedgerService) findWallet(q rowQuerier, ownerID, ownerType string) (*models.Wallet, error) {
	wallet := &models.Wallet{}
	err := q.QueryRow(`
		SELECT id, owner_id, owner_type, balance, locked_balance, bonus_balance, created_at, updated_at
		FROM wallets
		WHERE owner_id = $1 AND owner_type = $2`,
		ownerID, ownerType).Scan(
		&wallet.ID, &wallet.OwnerID, &wallet.OwnerType,
		&wallet.Balance, &wallet.LockedBalance, &wallet.BonusBalance,
		&wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// GetWallet loads a wallet by id without locking it.
func (s *WalletLedgerService) GetWallet(walletID int64) (*models.Wallet, error) {
	wallet := &models.Wallet{}
	err := s.db.QueryRow(`
		SELECT id, owner_id, owner_type, balance, locked_balance, bonus_balance, created_at, updated_at
		FROM wallets
		WHERE id = $1`,
		walletID).Scan(
		&wallet.ID, &wallet.OwnerID, &wallet.OwnerType,
		&wallet.Balance, &wallet.LockedBalance, &wallet.BonusBalance,
		&wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// lockWalletTx acquires the exclusive row lock that serializes every balance
// mutation of the wallet. Multi-wallet movements must lock in ascending
// wallet id order to avoid deadlocks.
func (s *WalletLedgerService) lockWalletTx(tx *sql.Tx, walletID int64) (*models.Wallet, error) {
	wallet := &models.Wallet{}
	err := tx.QueryRow(`
		SELECT id, owner_id, owner_type, balance, locked_balance, bonus_balance, created_at, updated_at
		FROM wallets
		WHERE id = $1
		FOR UPDATE`,
		walletID).Scan(
		&wallet.ID, &wallet.OwnerID, &wallet.OwnerType,
		&wallet.Balance, &wallet.LockedBalance, &wallet.BonusBalance,
		&wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// UpdateBalanceTx applies a signed amount to the wallet's spendable balance
// inside an open transaction. The resulting balance may not drop below
// -ceiling. This is the only legal way to change a balance.
func (s *WalletLedgerService) UpdateBalanceTx(tx *sql.Tx, walletID int64, amount, ceiling money.Money) (*models.Wallet, error) {
	wallet, err := s.lockWalletTx(tx, walletID)
	if err != nil {
		return nil, err
	}

	newBalance := wallet.Balance.Add(amount)
	if newBalance.LessThan(ceiling.Neg()) {
		return nil, ErrInsufficientFunds("wallet %d balance %s cannot absorb %s (ceiling %s)",
			walletID, wallet.Balance, amount, ceiling)
	}

	_, err = tx.Exec(`UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`,
		newBalance, walletID)
	if err != nil {
		return nil, err
	}

	wallet.Balance = newBalance
	return wallet, nil
}

// UpdateBalance is the single-wallet entry point: lock, check, apply, commit,
// with transparent retry on lock contention.
func (s *WalletLedgerService) UpdateBalance(walletID int64, amount, ceiling money.Money) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := s.withLockRetry(fmt.Sprintf("wallet %d", walletID), func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		wallet, err = s.UpdateBalanceTx(tx, walletID, amount, ceiling)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// UpdateLockedBalanceTx applies a signed amount to the escrow balance. A
// negative resulting locked balance is rejected.
func (s *WalletLedgerService) UpdateLockedBalanceTx(tx *sql.Tx, walletID int64, amount money.Money) (*models.Wallet, error) {
	wallet, err := s.lockWalletTx(tx, walletID)
	if err != nil {
		return nil, err
	}

	newLocked := wallet.LockedBalance.Add(amount)
	if newLocked.IsNegative() {
		return nil, ErrInsufficientFunds("wallet %d locked balance %s cannot absorb %s",
			walletID, wallet.LockedBalance, amount)
	}

	_, err = tx.Exec(`UPDATE wallets SET locked_balance = $1, updated_at = NOW() WHERE id = $2`,
		newLocked, walletID)
	if err != nil {
		return nil, err
	}

	wallet.LockedBalance = newLocked
	return wallet, nil
}

func (s *WalletLedgerService) UpdateLockedBalance(walletID int64, amount money.Money) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := s.withLockRetry(fmt.Sprintf("wallet %d locked", walletID), func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		wallet, err = s.UpdateLockedBalanceTx(tx, walletID, amount)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// MoveFromLockedToBalance releases escrow into the spendable balance as one
// read-modify-write under a single lock acquisition, so no interleaving can
// observe the amount in neither column.
func (s *WalletLedgerService) MoveFromLockedToBalance(walletID int64, amount money.Money) (*models.Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrTransactionIntegrity("release amount must be positive, got %s", amount)
	}

	var wallet *models.Wallet
	err := s.withLockRetry(fmt.Sprintf("wallet %d release", walletID), func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		wallet, err = s.lockWalletTx(tx, walletID)
		if err != nil {
			return err
		}

		if wallet.LockedBalance.LessThan(amount) {
			return ErrInsufficientFunds("wallet %d locked balance %s is below release amount %s",
				walletID, wallet.LockedBalance, amount)
		}

		newLocked := wallet.LockedBalance.Sub(amount)
		newBalance := wallet.Balance.Add(amount)

		_, err = tx.Exec(`UPDATE wallets SET locked_balance = $1, balance = $2, updated_at = NOW() WHERE id = $3`,
			newLocked, newBalance, walletID)
		if err != nil {
			return err
		}

		wallet.LockedBalance = newLocked
		wallet.Balance = newBalance
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// withLockRetry runs op, retrying on serialization/deadlock/lock errors with
// exponential backoff. Callers never see transient lock failures, only the
// final outcome or a LockTimeout after retries are exhausted.
func (s *WalletLedgerService) withLockRetry(label string, op func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.retryBase << (attempt - 1)
			log.Printf("[WALLET] Lock contention on %s, retry %d/%d in %v", label, attempt, s.maxRetries, backoff)
			time.Sleep(backoff)
		}
		err = op()
		if err == nil || !isLockContention(err) {
			return err
		}
	}
	return ErrLockTimeout(err)
}

func isLockContention(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03": // serialization failure, deadlock, lock not available
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// StatementFilter narrows a wallet or cashbox statement query.
type StatementFilter struct {
	Type   string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// GetStatement returns the ledger legs affecting the wallet, newest first.
// The signed amount is negative when the wallet was the debited side.
func (s *WalletLedgerService) GetStatement(walletID int64, f StatementFilter) ([]models.StatementLine, error) {
	conditions := []string{"((t.amount < 0 AND t.from_wallet_id = $1) OR (t.amount > 0 AND t.to_wallet_id = $1))"}
	args := []interface{}{walletID}
	argIndex := 2

	if f.Type != "" {
		conditions = append(conditions, fmt.Sprintf("t.type = $%d", argIndex))
		args = append(args, f.Type)
		argIndex++
	}
	if f.From != nil {
		conditions = append(conditions, fmt.Sprintf("t.created_at >= $%d", argIndex))
		args = append(args, *f.From)
		argIndex++
	}
	if f.To != nil {
		conditions = append(conditions, fmt.Sprintf("t.created_at < $%d", argIndex))
		args = append(args, *f.To)
		argIndex++
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT t.id, t.correlation_id, t.type, t.amount, t.balance_after, t.payment_id, t.created_at,
		       COALESCE(cw.owner_type || ':' || cw.owner_id, '') AS counterparty
		FROM transactions t
		LEFT JOIN wallets cw
		       ON cw.id = CASE WHEN t.amount < 0 THEN t.to_wallet_id ELSE t.from_wallet_id END
		WHERE %s
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $%d OFFSET $%d`,
		strings.Join(conditions, " AND "), argIndex, argIndex+1)
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []models.StatementLine{}
	for rows.Next() {
		var line models.StatementLine
		var balanceAfter money.Money
		if err := rows.Scan(&line.TransactionID, &line.CorrelationID, &line.Type,
			&line.Amount, &balanceAfter, &line.PaymentID, &line.CreatedAt, &line.Counterparty); err != nil {
			return nil, err
		}
		line.BalanceAfter = balanceAfter
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// WalletStatement serves the wallet statement query.
// @Summary Wallet statement
// @Description Paginated ledger legs for a wallet; caller must own the wallet or be an admin
// @Tags wallets
// @Produce json
// @Param walletId path int true "Wallet ID"
// @Param type query string false "Filter by transaction type"
// @Param from query string false "From timestamp (RFC3339)"
// @Param to query string false "To timestamp (RFC3339)"
// @Param limit query int false "Page size (default 50, max 200)"
// @Param offset query int false "Page offset"
// @Success 200 {object} object{wallet_id=int,lines=[]models.StatementLine,count=int}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /finance/wallets/{walletId}/statement [get]
func (s *WalletLedgerService) WalletStatement(w http.ResponseWriter, r *http.Request) {
	walletID, err := strconv.ParseInt(chi.URLParam(r, "walletId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid wallet id", http.StatusBadRequest, nil)
		return
	}

	wallet, err := s.GetWallet(walletID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to load wallet", http.StatusInternalServerError, nil)
		}
		return
	}

	if err := requireWalletAccess(r, wallet); err != nil {
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
		return
	}

	lines, err := s.GetStatement(walletID, statementFilterFromQuery(r))
	if err != nil {
		log.Printf("[WALLET] Statement query failed for wallet %d: %v", walletID, err)
		SendErrorResponse(w, "Failed to fetch statement", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"wallet_id": walletID,
		"lines":     lines,
		"count":     len(lines),
	})
}

// requireWalletAccess allows the wallet owner or an administrative caller.
func requireWalletAccess(r *http.Request, wallet *models.Wallet) error {
	if isAdmin, _ := r.Context().Value("isAdmin").(bool); isAdmin {
		return nil
	}
	userID, _ := r.Context().Value("userID").(string)
	if wallet.OwnerType == models.OwnerUserProfile && wallet.OwnerID == userID {
		return nil
	}
	return ErrAccessDenied("caller %q may not read wallet %d", userID, wallet.ID)
}

func statementFilterFromQuery(r *http.Request) StatementFilter {
	f := StatementFilter{Type: r.URL.Query().Get("type")}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		// Postgres rejects a negative OFFSET, so drop anything below zero.
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}
	return f
}
