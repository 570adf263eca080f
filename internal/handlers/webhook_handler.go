package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/classpay/backend/internal/services"
)

// WebhookHandler receives provider callbacks. It always answers 200 with a
// descriptive body: providers that see non-2xx responses redeliver on their
// own schedule and we retry failed processing ourselves, so signalling an
// error upstream would only multiply deliveries.
type WebhookHandler struct {
	webhooks *services.WebhookService
}

func NewWebhookHandler(webhooks *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Receive ingests one provider webhook delivery.
// @Summary Receive a payment provider webhook
// @Description Verifies the signature, deduplicates by event id and applies the status change
// @Tags webhooks
// @Accept json
// @Produce json
// @Param provider path string true "Provider name"
// @Success 200 {object} services.IngestResult
// @Router /finance/webhooks/{provider} [post]
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		log.Printf("[WEBHOOK] Failed to read %s delivery body: %v", provider, err)
		writeResult(w, &services.IngestResult{Processed: false, Error: "unreadable body"})
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	result, err := h.webhooks.Ingest(r.Context(), provider, payload, signature)
	if err != nil {
		writeResult(w, &services.IngestResult{Processed: false, Error: err.Error()})
		return
	}

	writeResult(w, result)
}

func writeResult(w http.ResponseWriter, result *services.IngestResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}
