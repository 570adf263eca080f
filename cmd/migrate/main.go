package main

import (
	"log"

	"github.com/spf13/viper"

	"github.com/classpay/backend/internal/database"
	"github.com/classpay/backend/internal/models"
)

// Applies the finance schema and seeds the system wallet. Statements are
// idempotent so the command can run on every deploy.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		id BIGSERIAL PRIMARY KEY,
		owner_id VARCHAR(100) NOT NULL,
		owner_type VARCHAR(20) NOT NULL,
		balance NUMERIC(18,2) NOT NULL DEFAULT 0,
		locked_balance NUMERIC(18,2) NOT NULL DEFAULT 0,
		bonus_balance NUMERIC(18,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (owner_id, owner_type)
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		from_wallet_id BIGINT REFERENCES wallets(id),
		to_wallet_id BIGINT REFERENCES wallets(id),
		amount NUMERIC(18,2) NOT NULL,
		type VARCHAR(30) NOT NULL,
		correlation_id VARCHAR(64) NOT NULL,
		balance_after NUMERIC(18,2) NOT NULL,
		payment_id VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (from_wallet_id IS NOT NULL OR to_wallet_id IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_correlation ON transactions (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_from_wallet ON transactions (from_wallet_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_to_wallet ON transactions (to_wallet_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions (created_at)`,

	`CREATE TABLE IF NOT EXISTS cashboxes (
		id BIGSERIAL PRIMARY KEY,
		branch_id VARCHAR(100) NOT NULL UNIQUE,
		balance NUMERIC(18,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS cash_transactions (
		id BIGSERIAL PRIMARY KEY,
		branch_id VARCHAR(100) NOT NULL,
		cashbox_id BIGINT NOT NULL REFERENCES cashboxes(id),
		amount NUMERIC(18,2) NOT NULL,
		direction VARCHAR(10) NOT NULL,
		type VARCHAR(30) NOT NULL,
		actor_id VARCHAR(100) NOT NULL,
		counterparty_id VARCHAR(100),
		balance_after NUMERIC(18,2) NOT NULL,
		payment_id VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cash_transactions_cashbox ON cash_transactions (cashbox_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR(64) PRIMARY KEY,
		sender_id VARCHAR(100) NOT NULL,
		sender_type VARCHAR(20) NOT NULL,
		receiver_id VARCHAR(100) NOT NULL,
		receiver_type VARCHAR(20) NOT NULL,
		amount NUMERIC(18,2) NOT NULL,
		fee_amount NUMERIC(18,2),
		net_amount NUMERIC(18,2),
		payment_method VARCHAR(10) NOT NULL,
		reason VARCHAR(30) NOT NULL,
		status VARCHAR(20) NOT NULL,
		correlation_id VARCHAR(64) NOT NULL,
		idempotency_key VARCHAR(100) NOT NULL,
		gateway_payment_id VARCHAR(100),
		gateway_provider VARCHAR(50),
		checkout_url TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (idempotency_key, sender_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_gateway ON payments (gateway_provider, gateway_payment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS webhook_attempts (
		id VARCHAR(64) PRIMARY KEY,
		provider VARCHAR(50) NOT NULL,
		external_id VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		attempt_count INT NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		error_message TEXT,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (provider, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_attempts_retry ON webhook_attempts (status, next_retry_at)`,
}

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	for i, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			log.Fatalf("[MIGRATE] Statement %d failed: %v", i+1, err)
		}
	}

	// The fee collection wallet must exist before the first payment runs.
	if _, err := db.Exec(`
		INSERT INTO wallets (owner_id, owner_type)
		VALUES ($1, $2)
		ON CONFLICT (owner_id, owner_type) DO NOTHING`,
		models.SystemWalletOwnerID, models.OwnerSystem); err != nil {
		log.Fatalf("[MIGRATE] Failed to seed system wallet: %v", err)
	}

	log.Println("[MIGRATE] Schema up to date")
}
