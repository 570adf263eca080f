package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpay/backend/internal/breaker"
	"github.com/classpay/backend/internal/models"
	"github.com/classpay/backend/internal/money"
)

func newTestGateway(baseURL string) *HTTPGateway {
	return NewHTTPGateway(Config{
		Name:       "testprovider",
		BaseURL:    baseURL,
		APIKey:     "sk_test_123",
		HMACSecret: "whsec_abc",
		Timeout:    2 * time.Second,
	}, breaker.New("testprovider", breaker.DefaultSettings(), breaker.NewMemoryStore()))
}

func sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func TestHTTPGateway_CreatePayment(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payments", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":           "gw-42",
			"checkout_url": "https://pay.example/c/gw-42",
			"status":       "PENDING",
		})
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	amount, err := money.FromString("150.00")
	require.NoError(t, err)

	resp, err := g.CreatePayment(context.Background(), &CreatePaymentRequest{
		Amount:     amount,
		Currency:   "EGP",
		Reference:  "pay-1",
		CustomerID: "student-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "gw-42", resp.GatewayPaymentID)
	assert.Equal(t, "https://pay.example/c/gw-42", resp.CheckoutURL)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.Equal(t, "pay-1", gotBody["reference"])
}

func TestHTTPGateway_GetPaymentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/gw-42", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "COMPLETED"})
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	status, err := g.GetPaymentStatus(context.Background(), "gw-42")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", status)
}

func TestHTTPGateway_RefundPayment(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"status": "REFUNDED"})
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	amount, err := money.FromString("150.00")
	require.NoError(t, err)

	err = g.RefundPayment(context.Background(), &RefundRequest{
		GatewayPaymentID: "gw-42",
		Amount:           amount,
		Reason:           "duplicate charge",
	})
	require.NoError(t, err)
	assert.Equal(t, "gw-42", gotBody["payment_id"])
}

func TestHTTPGateway_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	_, err := g.GetPaymentStatus(context.Background(), "gw-42")
	assert.ErrorContains(t, err, "returned status 502")
}

func TestHTTPGateway_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := breaker.New("flaky", breaker.Settings{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		MonitoringPeriod: time.Minute,
		RecoveryTimeout:  time.Minute,
	}, breaker.NewMemoryStore())
	g := NewHTTPGateway(Config{Name: "flaky", BaseURL: srv.URL, APIKey: "k"}, cb)

	_, err := g.GetPaymentStatus(context.Background(), "gw-1")
	assert.Error(t, err)
	_, err = g.GetPaymentStatus(context.Background(), "gw-1")
	assert.Error(t, err)

	// Circuit is now open; the provider is no longer contacted.
	_, err = g.GetPaymentStatus(context.Background(), "gw-1")
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestHTTPGateway_ValidateWebhookSignature(t *testing.T) {
	g := newTestGateway("http://unused")
	payload := []byte(`{"id":"evt-1","type":"payment.succeeded"}`)

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, g.ValidateWebhookSignature(payload, sign("whsec_abc", payload)))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, g.ValidateWebhookSignature(payload, sign("other", payload)))
	})

	t.Run("tampered payload", func(t *testing.T) {
		sig := sign("whsec_abc", payload)
		assert.False(t, g.ValidateWebhookSignature([]byte(`{"id":"evt-2"}`), sig))
	})

	t.Run("not hex", func(t *testing.T) {
		assert.False(t, g.ValidateWebhookSignature(payload, "zz-not-hex"))
	})

	t.Run("no secret configured rejects everything", func(t *testing.T) {
		bare := NewHTTPGateway(Config{Name: "bare"}, breaker.New("bare", breaker.DefaultSettings(), breaker.NewMemoryStore()))
		assert.False(t, bare.ValidateWebhookSignature(payload, sign("", payload)))
	})
}

func TestHTTPGateway_ParseWebhookPayload(t *testing.T) {
	g := newTestGateway("http://unused")

	t.Run("full event", func(t *testing.T) {
		payload := []byte(`{"id":"evt-9","type":"payment.succeeded","success":true,"obj":{"id":"gw-42"}}`)
		ev, err := g.ParseWebhookPayload(payload)
		require.NoError(t, err)
		assert.Equal(t, "testprovider", ev.Provider)
		assert.Equal(t, "evt-9", ev.ExternalID)
		assert.Equal(t, "gw-42", ev.GatewayPaymentID)
		assert.Equal(t, "payment.succeeded", ev.Type)
		assert.True(t, ev.Success)
		assert.JSONEq(t, string(payload), string(ev.Raw))
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := g.ParseWebhookPayload([]byte(`{"id":`))
		assert.ErrorContains(t, err, "malformed webhook payload")
	})

	t.Run("missing event id", func(t *testing.T) {
		_, err := g.ParseWebhookPayload([]byte(`{"type":"payment.succeeded"}`))
		assert.ErrorContains(t, err, "no event id")
	})
}

func TestHTTPGateway_ProcessWebhookEvent(t *testing.T) {
	g := newTestGateway("http://unused")

	cases := []struct {
		name    string
		event   WebhookEvent
		want    string
		wantErr bool
	}{
		{name: "succeeded", event: WebhookEvent{Type: "payment.succeeded", Success: true}, want: models.PaymentCompleted},
		{name: "processed but not successful", event: WebhookEvent{Type: "transaction.processed", Success: false}, want: models.PaymentFailed},
		{name: "declined", event: WebhookEvent{Type: "transaction.declined"}, want: models.PaymentFailed},
		{name: "refund", event: WebhookEvent{Type: "refund.processed"}, want: models.PaymentRefunded},
		{name: "unknown type", event: WebhookEvent{Type: "customer.created"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.ProcessWebhookEvent(&tc.event)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
