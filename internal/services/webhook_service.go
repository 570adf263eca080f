package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/classpay/backend/internal/gateway"
	"github.com/classpay/backend/internal/models"
)

// WebhookService ingests provider callbacks exactly once. Every delivery is
// checked against the (provider, external id) attempt log before any state
// changes; failed processing is retried on a bounded backoff schedule by the
// sweep job, never by asking the provider to redeliver.
type WebhookService struct {
	db          *sql.DB
	payments    *PaymentService
	gateways    map[string]gateway.PaymentGateway
	metrics     *MetricsRecorder
	maxAttempts int
	retryBase   time.Duration
}

func NewWebhookService(db *sql.DB, payments *PaymentService,
	gateways map[string]gateway.PaymentGateway, metrics *MetricsRecorder) *WebhookService {
	viper.SetDefault("finance.webhook_max_attempts", 5)
	viper.SetDefault("finance.webhook_retry_base", time.Minute)
	return &WebhookService{
		db:          db,
		payments:    payments,
		gateways:    gateways,
		metrics:     metrics,
		maxAttempts: viper.GetInt("finance.webhook_max_attempts"),
		retryBase:   viper.GetDuration("finance.webhook_retry_base"),
	}
}

// IngestResult tells the HTTP layer what happened without leaking internals
// to the provider.
type IngestResult struct {
	Processed bool   `json:"processed"`
	AttemptID string `json:"attemptId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Ingest handles one webhook delivery. The signature is verified before any
// row is written, so forged payloads leave no trace beyond a log line.
// Redeliveries of an already-processed event short-circuit on the attempt
// log.
func (s *WebhookService) Ingest(ctx context.Context, provider string, payload []byte, signature string) (*IngestResult, error) {
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, newBusinessError(CodeNotFound, "unknown webhook provider %q", provider)
	}

	if !gw.ValidateWebhookSignature(payload, signature) {
		log.Printf("[WEBHOOK] Rejected %s delivery with invalid signature", provider)
		s.metrics.RecordWebhook(provider, "rejected")
		return nil, ErrWebhookSignatureInvalid(provider)
	}

	event, err := gw.ParseWebhookPayload(payload)
	if err != nil {
		log.Printf("[WEBHOOK] Unparseable %s payload: %v", provider, err)
		return nil, newBusinessError(CodeTransactionIntegrity, "unparseable %s webhook payload", provider)
	}
	event.Provider = provider

	if attempt, err := s.findAttempt(provider, event.ExternalID); err == nil {
		if attempt.Status == models.WebhookProcessed {
			log.Printf("[WEBHOOK] Duplicate %s event %s already processed, attempt %s", provider, event.ExternalID, attempt.ID)
			return &IngestResult{Processed: true, AttemptID: attempt.ID}, nil
		}
		// RECEIVED, RETRY_SCHEDULED or FAILED: reprocess in place.
		return s.process(ctx, gw, attempt, event)
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	attempt := &models.WebhookAttempt{
		ID:         uuid.NewString(),
		Provider:   provider,
		ExternalID: event.ExternalID,
		Status:     models.WebhookReceived,
		Payload:    payload,
	}
	if err := s.insertAttempt(attempt); err != nil {
		if isUniqueViolation(err) {
			// Concurrent delivery of the same event won the insert race.
			existing, err := s.findAttempt(provider, event.ExternalID)
			if err != nil {
				return nil, err
			}
			if existing.Status == models.WebhookProcessed {
				return &IngestResult{Processed: true, AttemptID: existing.ID}, nil
			}
			return s.process(ctx, gw, existing, event)
		}
		return nil, err
	}

	return s.process(ctx, gw, attempt, event)
}

// process applies the event to the payment and settles the attempt's fate:
// PROCESSED on success, RETRY_SCHEDULED with a doubled delay on failure,
// FAILED once attempts run out.
func (s *WebhookService) process(ctx context.Context, gw gateway.PaymentGateway,
	attempt *models.WebhookAttempt, event *gateway.WebhookEvent) (*IngestResult, error) {

	newStatus, err := gw.ProcessWebhookEvent(event)
	if err == nil {
		err = s.payments.ApplyGatewayStatus(attempt.Provider, event.GatewayPaymentID, newStatus)
	}

	if err != nil {
		attempt.AttemptCount++
		attempt.ErrorMessage = err.Error()

		if attempt.AttemptCount >= s.maxAttempts {
			attempt.Status = models.WebhookFailed
			attempt.NextRetryAt = nil
			log.Printf("[WEBHOOK] Attempt %s exhausted after %d tries: %v", attempt.ID, attempt.AttemptCount, err)
		} else {
			delay := s.retryBase << (attempt.AttemptCount - 1)
			next := time.Now().Add(delay)
			attempt.Status = models.WebhookRetryScheduled
			attempt.NextRetryAt = &next
			log.Printf("[WEBHOOK] Attempt %s failed (try %d/%d), retrying in %s: %v",
				attempt.ID, attempt.AttemptCount, s.maxAttempts, delay, err)
		}
		if uerr := s.updateAttempt(attempt); uerr != nil {
			return nil, uerr
		}
		s.metrics.RecordWebhook(attempt.Provider, "failed")
		return &IngestResult{Processed: false, AttemptID: attempt.ID, Error: err.Error()}, nil
	}

	attempt.Status = models.WebhookProcessed
	attempt.NextRetryAt = nil
	attempt.ErrorMessage = ""
	if err := s.updateAttempt(attempt); err != nil {
		return nil, err
	}
	s.metrics.RecordWebhook(attempt.Provider, "processed")
	log.Printf("[WEBHOOK] Processed %s event %s, attempt %s", attempt.Provider, attempt.ExternalID, attempt.ID)
	return &IngestResult{Processed: true, AttemptID: attempt.ID}, nil
}

// RetryDueAttempts reprocesses every attempt whose retry time has come.
// Called from the scheduler; one bad attempt never stops the sweep.
func (s *WebhookService) RetryDueAttempts(ctx context.Context) (int, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, external_id, status, attempt_count, next_retry_at, error_message, payload, created_at, updated_at
		FROM webhook_attempts
		WHERE status = $1 AND next_retry_at <= NOW()
		ORDER BY next_retry_at
		LIMIT 100`, models.WebhookRetryScheduled)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var due []*models.WebhookAttempt
	for rows.Next() {
		a := &models.WebhookAttempt{}
		var errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.Provider, &a.ExternalID, &a.Status, &a.AttemptCount,
			&a.NextRetryAt, &errMsg, &a.Payload, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return 0, err
		}
		a.ErrorMessage = errMsg.String
		due = append(due, a)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, attempt := range due {
		gw, ok := s.gateways[attempt.Provider]
		if !ok {
			log.Printf("[WEBHOOK] Retry skipped, provider %s no longer configured for attempt %s", attempt.Provider, attempt.ID)
			continue
		}
		event, err := gw.ParseWebhookPayload(attempt.Payload)
		if err != nil {
			attempt.AttemptCount++
			attempt.Status = models.WebhookFailed
			attempt.ErrorMessage = fmt.Sprintf("stored payload unparseable: %v", err)
			if uerr := s.updateAttempt(attempt); uerr != nil {
				log.Printf("[WEBHOOK] Failed to mark attempt %s: %v", attempt.ID, uerr)
			}
			continue
		}
		event.Provider = attempt.Provider

		result, err := s.process(ctx, gw, attempt, event)
		if err != nil {
			log.Printf("[WEBHOOK] Retry of attempt %s errored: %v", attempt.ID, err)
			continue
		}
		if result.Processed {
			processed++
		}
	}

	if len(due) > 0 {
		log.Printf("[WEBHOOK] Retry sweep: %d due, %d processed", len(due), processed)
	}
	return processed, nil
}

// Persistence helpers

func (s *WebhookService) findAttempt(provider, externalID string) (*models.WebhookAttempt, error) {
	a := &models.WebhookAttempt{}
	var errMsg sql.NullString
	err := s.db.QueryRow(`
		SELECT id, provider, external_id, status, attempt_count, next_retry_at, error_message, payload, created_at, updated_at
		FROM webhook_attempts WHERE provider = $1 AND external_id = $2`,
		provider, externalID).Scan(&a.ID, &a.Provider, &a.ExternalID, &a.Status, &a.AttemptCount,
		&a.NextRetryAt, &errMsg, &a.Payload, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ErrorMessage = errMsg.String
	return a, nil
}

func (s *WebhookService) insertAttempt(a *models.WebhookAttempt) error {
	return s.db.QueryRow(`
		INSERT INTO webhook_attempts (id, provider, external_id, status, attempt_count, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at`,
		a.ID, a.Provider, a.ExternalID, a.Status, a.AttemptCount, a.Payload).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (s *WebhookService) updateAttempt(a *models.WebhookAttempt) error {
	var errMsg interface{}
	if a.ErrorMessage != "" {
		errMsg = a.ErrorMessage
	}
	_, err := s.db.Exec(`
		UPDATE webhook_attempts
		SET status = $1, attempt_count = $2, next_retry_at = $3, error_message = $4, updated_at = NOW()
		WHERE id = $5`,
		a.Status, a.AttemptCount, a.NextRetryAt, errMsg, a.ID)
	return err
}
