package jobs

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/classpay/backend/internal/services"
)

// Runner owns the scheduled finance jobs: the webhook retry sweep and the
// nightly ledger reconciliation. Jobs are also callable directly so an
// operator can trigger them out of schedule.
type Runner struct {
	webhooks *services.WebhookService
	ledger   *services.TransactionLedgerService
	cron     *cron.Cron
}

func NewRunner(webhooks *services.WebhookService, ledger *services.TransactionLedgerService) *Runner {
	viper.SetDefault("jobs.webhook_retry_sweep", "*/2 * * * *")
	viper.SetDefault("jobs.reconciliation", "30 2 * * *")

	return &Runner{
		webhooks: webhooks,
		ledger:   ledger,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the schedules and begins running them.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(viper.GetString("jobs.webhook_retry_sweep"), func() {
		r.runWithRecovery("webhook_retry_sweep", r.SweepWebhookRetries)
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(viper.GetString("jobs.reconciliation"), func() {
		r.runWithRecovery("reconciliation", r.ReconcileLedger)
	}); err != nil {
		return err
	}

	r.cron.Start()
	log.Printf("[JOBS] Scheduler started with %d jobs", len(r.cron.Entries()))
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	log.Printf("[JOBS] Scheduler stopped")
}

func (r *Runner) runWithRecovery(name string, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[JOBS] Job %s panicked: %v", name, rec)
		}
	}()
	job()
}

// SweepWebhookRetries reprocesses webhook attempts whose retry time is due.
func (r *Runner) SweepWebhookRetries() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := r.webhooks.RetryDueAttempts(ctx); err != nil {
		log.Printf("[JOBS] Webhook retry sweep failed: %v", err)
	}
}

// ReconcileLedger checks the last day's correlation groups for internal
// movements whose legs do not net to zero. Unbalanced groups are alarms for
// an operator, never auto-corrected.
func (r *Runner) ReconcileLedger() {
	since := time.Now().Add(-25 * time.Hour)
	unbalanced, err := r.ledger.ReconcileRecentCorrelations(since)
	if err != nil {
		log.Printf("[JOBS] Reconciliation failed: %v", err)
		return
	}
	if len(unbalanced) > 0 {
		log.Printf("[JOBS] ALERT: %d unbalanced correlation groups since %s: %v",
			len(unbalanced), since.Format(time.RFC3339), unbalanced)
		return
	}
	log.Printf("[JOBS] Reconciliation clean since %s", since.Format(time.RFC3339))
}
