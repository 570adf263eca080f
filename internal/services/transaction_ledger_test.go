package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/classpay/backend/internal/models"
	"github.com/classpay/backend/internal/money"
)

func TestTransactionLedgerService_CreateTransactionTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTransactionLedgerService(db)

	newTx := func() *sql.Tx {
		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)
		return tx
	}

	t.Run("missing balance snapshot fails before any write", func(t *testing.T) {
		tx := newTx()
		from := int64(1)
		_, err := service.CreateTransactionTx(tx, &models.Transaction{
			FromWalletID: &from,
			Amount:       money.MustFromString("-30.00"),
			Type:         models.TxStudentBill,
		})
		assert.True(t, HasCode(err, CodeTransactionIntegrity))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit leg must name the debited wallet", func(t *testing.T) {
		tx := newTx()
		after := money.MustFromString("70.00")
		_, err := service.CreateTransactionTx(tx, &models.Transaction{
			Amount:       money.MustFromString("-30.00"),
			Type:         models.TxStudentBill,
			BalanceAfter: &after,
		})
		assert.True(t, HasCode(err, CodeTransactionIntegrity))
	})

	t.Run("credit leg must name the credited wallet", func(t *testing.T) {
		tx := newTx()
		after := money.MustFromString("100.00")
		_, err := service.CreateTransactionTx(tx, &models.Transaction{
			Amount:       money.MustFromString("100.00"),
			Type:         models.TxTopup,
			BalanceAfter: &after,
		})
		assert.True(t, HasCode(err, CodeTransactionIntegrity))
	})

	t.Run("valid leg is persisted with its snapshot", func(t *testing.T) {
		tx := newTx()
		from, to := int64(1), int64(2)
		after := money.MustFromString("70.00")

		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(from, to, "-30.00", models.TxStudentBill, "corr-1", "70.00", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))

		leg, err := service.CreateTransactionTx(tx, &models.Transaction{
			FromWalletID:  &from,
			ToWalletID:    &to,
			Amount:        money.MustFromString("-30.00"),
			Type:          models.TxStudentBill,
			CorrelationID: "corr-1",
			BalanceAfter:  &after,
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(11), leg.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("external topup leg needs only the credited side", func(t *testing.T) {
		tx := newTx()
		to := int64(2)
		after := money.MustFromString("100.00")

		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(nil, to, "100.00", models.TxTopup, "corr-2", "100.00", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(12, time.Now()))

		_, err := service.CreateTransactionTx(tx, &models.Transaction{
			ToWalletID:    &to,
			Amount:        money.MustFromString("100.00"),
			Type:          models.TxTopup,
			CorrelationID: "corr-2",
			BalanceAfter:  &after,
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionLedgerService_CreateSplitTransactionsTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTransactionLedgerService(db)

	mock.ExpectBegin()
	tx, err := db.Begin()
	assert.NoError(t, err)

	from, to := int64(1), int64(2)
	senderAfter := money.MustFromString("70.00")
	receiverAfter := money.MustFromString("30.00")

	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(from, to, "-30.00", models.TxInternalTransfer, "corr-split", "70.00", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(20, time.Now()))
	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(from, to, "30.00", models.TxInternalTransfer, "corr-split", "30.00", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(21, time.Now()))

	legs := []*models.Transaction{
		{FromWalletID: &from, ToWalletID: &to, Amount: money.MustFromString("-30.00"), Type: models.TxInternalTransfer, BalanceAfter: &senderAfter},
		{FromWalletID: &from, ToWalletID: &to, Amount: money.MustFromString("30.00"), Type: models.TxInternalTransfer, BalanceAfter: &receiverAfter},
	}
	created, err := service.CreateSplitTransactionsTx(tx, legs, "corr-split")
	assert.NoError(t, err)
	assert.Len(t, created, 2)

	sum := money.Zero()
	for _, leg := range created {
		assert.Equal(t, "corr-split", leg.CorrelationID)
		sum = sum.Add(leg.Amount)
	}
	assert.True(t, sum.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionLedgerService_ValidateCorrelationSum(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTransactionLedgerService(db)

	t.Run("balanced group matches zero", func(t *testing.T) {
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM transactions WHERE correlation_id = \\$1").
			WithArgs("corr-1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("0.00"))

		ok, err := service.ValidateCorrelationSum("corr-1", money.Zero())
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("topup group matches its inbound amount", func(t *testing.T) {
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM transactions WHERE correlation_id = \\$1").
			WithArgs("corr-topup").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("100.00"))

		ok, err := service.ValidateCorrelationSum("corr-topup", money.MustFromString("100.00"))
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("mismatch is reported", func(t *testing.T) {
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM transactions WHERE correlation_id = \\$1").
			WithArgs("corr-bad").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("-12.00"))

		ok, err := service.ValidateCorrelationSum("corr-bad", money.Zero())
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestTransactionLedgerService_ReconcileRecentCorrelations(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTransactionLedgerService(db)
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery("GROUP BY correlation_id").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"correlation_id", "net"}).
			AddRow("corr-broken", "-12.00"))

	violations, err := service.ReconcileRecentCorrelations(since)
	assert.NoError(t, err)
	assert.Equal(t, []string{"corr-broken"}, violations)
	assert.NoError(t, mock.ExpectationsWereMet())
}
