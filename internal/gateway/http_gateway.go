package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/classpay/backend/internal/breaker"
	"github.com/classpay/backend/internal/models"
)

// HTTPGateway is a generic JSON-over-HTTPS provider adapter. Every outbound
// call runs under the circuit breaker registered for this provider's service
// name; timeouts are bounded by the underlying http.Client.
type HTTPGateway struct {
	name       string
	baseURL    string
	apiKey     string
	hmacSecret []byte
	client     *http.Client
	breaker    *breaker.CircuitBreaker
}

// Config wires one provider instance.
type Config struct {
	Name       string
	BaseURL    string
	APIKey     string
	HMACSecret string
	Timeout    time.Duration
}

func NewHTTPGateway(cfg Config, cb *breaker.CircuitBreaker) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		name:       cfg.Name,
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		hmacSecret: []byte(cfg.HMACSecret),
		client:     &http.Client{Timeout: timeout},
		breaker:    cb,
	}
}

func (g *HTTPGateway) Name() string {
	return g.name
}

// CreatePayment opens a checkout intention with the provider.
func (g *HTTPGateway) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error) {
	var out struct {
		ID          string `json:"id"`
		CheckoutURL string `json:"checkout_url"`
		Status      string `json:"status"`
	}
	err := g.breaker.Execute(ctx, func() error {
		return g.post(ctx, "/v1/payments", map[string]interface{}{
			"amount":      req.Amount,
			"currency":    req.Currency,
			"reference":   req.Reference,
			"customer_id": req.CustomerID,
			"description": req.Description,
		}, &out)
	})
	if err != nil {
		return nil, err
	}
	return &CreatePaymentResponse{
		GatewayPaymentID: out.ID,
		CheckoutURL:      out.CheckoutURL,
		Status:           out.Status,
	}, nil
}

// GetPaymentStatus polls the provider for a payment's current status.
func (g *HTTPGateway) GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := g.breaker.Execute(ctx, func() error {
		return g.get(ctx, "/v1/payments/"+gatewayPaymentID, &out)
	})
	if err != nil {
		return "", err
	}
	return out.Status, nil
}

// RefundPayment asks the provider to reverse a payment.
func (g *HTTPGateway) RefundPayment(ctx context.Context, req *RefundRequest) error {
	var out struct {
		Status string `json:"status"`
	}
	return g.breaker.Execute(ctx, func() error {
		return g.post(ctx, "/v1/refunds", map[string]interface{}{
			"payment_id": req.GatewayPaymentID,
			"amount":     req.Amount,
			"reason":     req.Reason,
		}, &out)
	})
}

// ValidateWebhookSignature checks the HMAC-SHA256 of the raw payload in
// constant time. Without a configured secret every event is rejected.
func (g *HTTPGateway) ValidateWebhookSignature(payload []byte, signature string) bool {
	if len(g.hmacSecret) == 0 {
		log.Printf("[GATEWAY] %s: no HMAC secret configured, rejecting webhook", g.name)
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, g.hmacSecret)
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), provided)
}

// ParseWebhookPayload extracts the event identity from the provider's JSON.
func (g *HTTPGateway) ParseWebhookPayload(payload []byte) (*WebhookEvent, error) {
	var body struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Success bool   `json:"success"`
		Obj     struct {
			ID string `json:"id"`
		} `json:"obj"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if body.ID == "" {
		return nil, errors.New("webhook payload has no event id")
	}
	return &WebhookEvent{
		Provider:         g.name,
		ExternalID:       body.ID,
		GatewayPaymentID: body.Obj.ID,
		Type:             body.Type,
		Success:          body.Success,
		Raw:              json.RawMessage(payload),
	}, nil
}

// ProcessWebhookEvent maps a provider event to a payment status.
func (g *HTTPGateway) ProcessWebhookEvent(event *WebhookEvent) (string, error) {
	switch event.Type {
	case "payment.succeeded", "transaction.processed":
		if event.Success {
			return models.PaymentCompleted, nil
		}
		return models.PaymentFailed, nil
	case "payment.failed", "transaction.declined":
		return models.PaymentFailed, nil
	case "refund.processed":
		return models.PaymentRefunded, nil
	default:
		return "", fmt.Errorf("unhandled webhook event type %q", event.Type)
	}
}

func (g *HTTPGateway) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	return g.do(req, out)
}

func (g *HTTPGateway) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	return g.do(req, out)
}

func (g *HTTPGateway) do(req *http.Request, out interface{}) error {
	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[GATEWAY] %s: request failed: %v", g.name, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("[GATEWAY] %s: %s %s returned status %d", g.name, req.Method, req.URL.Path, resp.StatusCode)
		return fmt.Errorf("gateway %s returned status %d", g.name, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
