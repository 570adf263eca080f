package gateway

import (
	"context"
	"encoding/json"

	"github.com/classpay/backend/internal/money"
)

// CreatePaymentRequest asks the provider to open a checkout intention.
type CreatePaymentRequest struct {
	Amount      money.Money `json:"amount"`
	Currency    string      `json:"currency"`
	Reference   string      `json:"reference"`
	CustomerID  string      `json:"customer_id"`
	Description string      `json:"description,omitempty"`
}

// CreatePaymentResponse carries what the rest of the system needs from the
// provider: its payment id, where to send the customer, and the initial
// status.
type CreatePaymentResponse struct {
	GatewayPaymentID string `json:"gateway_payment_id"`
	CheckoutURL      string `json:"checkout_url"`
	Status           string `json:"status"`
}

// RefundRequest reverses a completed gateway payment, fully or partially.
type RefundRequest struct {
	GatewayPaymentID string      `json:"gateway_payment_id"`
	Amount           money.Money `json:"amount"`
	Reason           string      `json:"reason,omitempty"`
}

// WebhookEvent is a provider callback normalized to what webhook ingestion
// needs. Raw keeps the original payload for retries.
type WebhookEvent struct {
	Provider         string          `json:"provider"`
	ExternalID       string          `json:"external_id"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	Type             string          `json:"type"`
	Success          bool            `json:"success"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// PaymentGateway abstracts an external payment provider. Concrete adapters
// are swappable; the rest of the system depends on this contract, never on a
// provider's wire format. An adapter that cannot validate a signature must
// reject the event rather than trust it.
type PaymentGateway interface {
	Name() string
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error)
	GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (string, error)
	RefundPayment(ctx context.Context, req *RefundRequest) error
	ValidateWebhookSignature(payload []byte, signature string) bool
	ParseWebhookPayload(payload []byte) (*WebhookEvent, error)
	ProcessWebhookEvent(event *WebhookEvent) (string, error)
}
