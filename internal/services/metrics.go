package services

import (
	"context"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"

	"github.com/classpay/backend/internal/money"
)

// MetricsRecorder records financial operation counters in Redis. Recording
// is fail-safe: a metrics failure is logged and swallowed, never allowed to
// fail or roll back the operation it observes. A nil Redis client disables
// recording entirely.
type MetricsRecorder struct {
	redis *redis.Client
}

func NewMetricsRecorder(redisClient *redis.Client) *MetricsRecorder {
	return &MetricsRecorder{redis: redisClient}
}

func (m *MetricsRecorder) RecordPayment(method, status string, amount money.Money) {
	if m == nil || m.redis == nil {
		return
	}
	ctx := context.Background()
	pipe := m.redis.Pipeline()
	pipe.Incr(ctx, fmt.Sprintf("metrics:payments:%s:%s", method, status))
	pipe.IncrByFloat(ctx, fmt.Sprintf("metrics:payments:%s:%s:volume", method, status), amount.Decimal().InexactFloat64())
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[METRICS] Failed to record payment metric: %v", err)
	}
}

func (m *MetricsRecorder) RecordWebhook(provider, status string) {
	if m == nil || m.redis == nil {
		return
	}
	if err := m.redis.Incr(context.Background(), fmt.Sprintf("metrics:webhooks:%s:%s", provider, status)).Err(); err != nil {
		log.Printf("[METRICS] Failed to record webhook metric: %v", err)
	}
}
