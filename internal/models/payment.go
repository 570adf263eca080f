package models

import (
	"time"

	"github.com/classpay/backend/internal/money"
)

// Payment methods.
const (
	MethodWallet = "WALLET"
	MethodCash   = "CASH"
)

// Payment lifecycle statuses.
const (
	PaymentPending   = "PENDING"
	PaymentCompleted = "COMPLETED"
	PaymentFailed    = "FAILED"
	PaymentRefunded  = "REFUNDED"
)

// Payment is one unit of business intent: X pays Y an amount for reason Z.
// FeeAmount and NetAmount are present together or not at all, with
// NetAmount = Amount - FeeAmount.
type Payment struct {
	ID               string       `json:"id" db:"id"`
	SenderID         string       `json:"sender_id" db:"sender_id"`
	SenderType       string       `json:"sender_type" db:"sender_type"`
	ReceiverID       string       `json:"receiver_id" db:"receiver_id"`
	ReceiverType     string       `json:"receiver_type" db:"receiver_type"`
	Amount           money.Money  `json:"amount" db:"amount"`
	FeeAmount        *money.Money `json:"fee_amount,omitempty" db:"fee_amount"`
	NetAmount        *money.Money `json:"net_amount,omitempty" db:"net_amount"`
	PaymentMethod    string       `json:"payment_method" db:"payment_method"`
	Reason           string       `json:"reason" db:"reason"`
	Status           string       `json:"status" db:"status"`
	CorrelationID    string       `json:"correlation_id" db:"correlation_id"`
	IdempotencyKey   string       `json:"idempotency_key" db:"idempotency_key"`
	GatewayPaymentID *string      `json:"gateway_payment_id,omitempty" db:"gateway_payment_id"`
	GatewayProvider  *string      `json:"gateway_provider,omitempty" db:"gateway_provider"`
	CheckoutURL      *string      `json:"checkout_url,omitempty" db:"checkout_url"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// HasFee reports whether the payment carries a fee split.
func (p *Payment) HasFee() bool {
	return p.FeeAmount != nil && p.NetAmount != nil
}
