package services

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/classpay/backend/internal/models"
	"github.com/classpay/backend/internal/money"
)

func walletRows(id int64, ownerID, ownerType, balance, locked, bonus string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "owner_id", "owner_type", "balance", "locked_balance", "bonus_balance", "created_at", "updated_at"}).
		AddRow(id, ownerID, ownerType, balance, locked, bonus, now, now)
}

func TestWalletLedgerService_UpdateBalance(t *testing.T) {
	viper.Set("finance.lock_retry_base", time.Millisecond)

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletLedgerService(db)

	t.Run("debit within balance succeeds", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM wallets\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "100.00", "0.00", "0.00"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs("40.00", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		wallet, err := service.UpdateBalance(1, money.MustFromString("-60.00"), money.Zero())
		assert.NoError(t, err)
		assert.Equal(t, "40.00", wallet.Balance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit below zero fails and leaves balance untouched", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "10.00", "0.00", "0.00"))
		mock.ExpectRollback()

		_, err := service.UpdateBalance(1, money.MustFromString("-50.00"), money.Zero())
		assert.True(t, HasCode(err, CodeInsufficientFunds))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("contending updates each read the committed balance", func(t *testing.T) {
		// Two movements against the same wallet serialize on the FOR UPDATE
		// lock: the second read sees the first write, so the balances chain
		// instead of both computing from the original 100.00.
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "100.00", "0.00", "0.00"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs("130.00", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "130.00", "0.00", "0.00"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs("110.00", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		first, err := service.UpdateBalance(1, money.MustFromString("30.00"), money.Zero())
		assert.NoError(t, err)
		assert.Equal(t, "130.00", first.Balance.String())

		second, err := service.UpdateBalance(1, money.MustFromString("-20.00"), money.Zero())
		assert.NoError(t, err)
		assert.Equal(t, "110.00", second.Balance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fee ceiling permits bounded negative balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "5.00", "0.00", "0.00"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs("-7.00", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		wallet, err := service.UpdateBalance(1, money.MustFromString("-12.00"), money.MustFromString("10.00"))
		assert.NoError(t, err)
		assert.Equal(t, "-7.00", wallet.Balance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletLedgerService_LockRetry(t *testing.T) {
	viper.Set("finance.lock_retry_base", time.Millisecond)
	viper.Set("finance.lock_retries", 2)
	defer viper.Set("finance.lock_retries", 3)

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletLedgerService(db)

	t.Run("transient lock contention is retried", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(7)).
			WillReturnError(&pq.Error{Code: "55P03"})
		mock.ExpectRollback()

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(7)).
			WillReturnRows(walletRows(7, "u7", models.OwnerUserProfile, "30.00", "0.00", "0.00"))
		mock.ExpectExec("UPDATE wallets SET balance").
			WithArgs("20.00", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		wallet, err := service.UpdateBalance(7, money.MustFromString("-10.00"), money.Zero())
		assert.NoError(t, err)
		assert.Equal(t, "20.00", wallet.Balance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exhausted retries surface a lock timeout", func(t *testing.T) {
		for i := 0; i < 3; i++ { // initial attempt + 2 retries
			mock.ExpectBegin()
			mock.ExpectQuery("FOR UPDATE").
				WithArgs(int64(7)).
				WillReturnError(&pq.Error{Code: "40P01"})
			mock.ExpectRollback()
		}

		_, err := service.UpdateBalance(7, money.MustFromString("-10.00"), money.Zero())
		assert.True(t, HasCode(err, CodeLockTimeout))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("business failures are never retried", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(7)).
			WillReturnRows(walletRows(7, "u7", models.OwnerUserProfile, "1.00", "0.00", "0.00"))
		mock.ExpectRollback()

		_, err := service.UpdateBalance(7, money.MustFromString("-10.00"), money.Zero())
		assert.True(t, HasCode(err, CodeInsufficientFunds))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletLedgerService_MoveFromLockedToBalance(t *testing.T) {
	viper.Set("finance.lock_retry_base", time.Millisecond)

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletLedgerService(db)

	t.Run("release moves escrow in one write", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(walletRows(3, "u3", models.OwnerUserProfile, "10.00", "50.00", "0.00"))
		mock.ExpectExec("UPDATE wallets SET locked_balance = \\$1, balance = \\$2, updated_at = NOW\\(\\) WHERE id = \\$3").
			WithArgs("20.00", "40.00", int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		wallet, err := service.MoveFromLockedToBalance(3, money.MustFromString("30.00"))
		assert.NoError(t, err)
		assert.Equal(t, "40.00", wallet.Balance.String())
		assert.Equal(t, "20.00", wallet.LockedBalance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("release above locked balance fails", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(walletRows(3, "u3", models.OwnerUserProfile, "10.00", "5.00", "0.00"))
		mock.ExpectRollback()

		_, err := service.MoveFromLockedToBalance(3, money.MustFromString("30.00"))
		assert.True(t, HasCode(err, CodeInsufficientFunds))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive release amount is an integrity violation", func(t *testing.T) {
		_, err := service.MoveFromLockedToBalance(3, money.Zero())
		assert.True(t, HasCode(err, CodeTransactionIntegrity))
	})
}

func TestWalletLedgerService_GetOrCreateWallet(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletLedgerService(db)

	t.Run("returns existing wallet", func(t *testing.T) {
		mock.ExpectQuery("FROM wallets\\s+WHERE owner_id = \\$1 AND owner_type = \\$2").
			WithArgs("u1", models.OwnerUserProfile).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "100.00", "0.00", "0.00"))

		wallet, err := service.GetOrCreateWallet("u1", models.OwnerUserProfile)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), wallet.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("creates wallet with zero balances on first access", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("FROM wallets\\s+WHERE owner_id = \\$1 AND owner_type = \\$2").
			WithArgs("b1", models.OwnerBranch).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO wallets").
			WithArgs("b1", models.OwnerBranch).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

		wallet, err := service.GetOrCreateWallet("b1", models.OwnerBranch)
		assert.NoError(t, err)
		assert.Equal(t, int64(5), wallet.ID)
		assert.True(t, wallet.Balance.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost creation race rereads the winner's row", func(t *testing.T) {
		mock.ExpectQuery("FROM wallets\\s+WHERE owner_id = \\$1 AND owner_type = \\$2").
			WithArgs("b2", models.OwnerBranch).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO wallets").
			WithArgs("b2", models.OwnerBranch).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectQuery("FROM wallets\\s+WHERE owner_id = \\$1 AND owner_type = \\$2").
			WithArgs("b2", models.OwnerBranch).
			WillReturnRows(walletRows(6, "b2", models.OwnerBranch, "0.00", "0.00", "0.00"))

		wallet, err := service.GetOrCreateWallet("b2", models.OwnerBranch)
		assert.NoError(t, err)
		assert.Equal(t, int64(6), wallet.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletStatement_Access(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletLedgerService(db)

	statementRequest := func(userID string, isAdmin bool) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/finance/wallets/1/statement", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("walletId", "1")
		ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
		ctx = context.WithValue(ctx, "userID", userID)
		ctx = context.WithValue(ctx, "isAdmin", isAdmin)
		return r.WithContext(ctx)
	}

	t.Run("owner reads own statement", func(t *testing.T) {
		mock.ExpectQuery("FROM wallets\\s+WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "70.00", "0.00", "0.00"))
		mock.ExpectQuery("FROM transactions t").
			WithArgs(int64(1), 50, 0).
			WillReturnRows(sqlmock.NewRows([]string{"id", "correlation_id", "type", "amount", "balance_after", "payment_id", "created_at", "counterparty"}).
				AddRow(11, "corr-1", models.TxStudentBill, "-30.00", "70.00", nil, time.Now(), "USER_PROFILE:u2").
				AddRow(10, "corr-0", models.TxTopup, "100.00", "100.00", nil, time.Now(), ""))

		rec := httptest.NewRecorder()
		service.WalletStatement(rec, statementRequest("u1", false))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "corr-1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stranger is denied", func(t *testing.T) {
		mock.ExpectQuery("FROM wallets\\s+WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "70.00", "0.00", "0.00"))

		rec := httptest.NewRecorder()
		service.WalletStatement(rec, statementRequest("intruder", false))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative paging values fall back to defaults", func(t *testing.T) {
		mock.ExpectQuery("FROM wallets\\s+WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "70.00", "0.00", "0.00"))
		// Postgres would reject OFFSET -5 outright, so the query must run
		// with the clamped values instead.
		mock.ExpectQuery("FROM transactions t").
			WithArgs(int64(1), 50, 0).
			WillReturnRows(sqlmock.NewRows([]string{"id", "correlation_id", "type", "amount", "balance_after", "payment_id", "created_at", "counterparty"}))

		r := statementRequest("u1", false)
		r.URL.RawQuery = "limit=-10&offset=-5"
		rec := httptest.NewRecorder()
		service.WalletStatement(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("admin reads any statement", func(t *testing.T) {
		mock.ExpectQuery("FROM wallets\\s+WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(walletRows(1, "u1", models.OwnerUserProfile, "70.00", "0.00", "0.00"))
		mock.ExpectQuery("FROM transactions t").
			WithArgs(int64(1), 50, 0).
			WillReturnRows(sqlmock.NewRows([]string{"id", "correlation_id", "type", "amount", "balance_after", "payment_id", "created_at", "counterparty"}))

		rec := httptest.NewRecorder()
		service.WalletStatement(rec, statementRequest("someone-else", true))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
