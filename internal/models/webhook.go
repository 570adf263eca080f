package models

import "time"

// Webhook attempt statuses.
const (
	WebhookReceived       = "RECEIVED"
	WebhookProcessed      = "PROCESSED"
	WebhookRetryScheduled = "RETRY_SCHEDULED"
	WebhookFailed         = "FAILED"
)

// WebhookAttempt records one externally-delivered provider event.
// (Provider, ExternalID) is unique: redeliveries of the same event id are
// detected through this row and never reprocessed.
type WebhookAttempt struct {
	ID           string     `json:"id" db:"id"`
	Provider     string     `json:"provider" db:"provider"`
	ExternalID   string     `json:"external_id" db:"external_id"`
	Status       string     `json:"status" db:"status"`
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	Payload      []byte     `json:"-" db:"payload"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}
