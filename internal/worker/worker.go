// Package worker provides async categorization of ingested transactions.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/apply"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker consumes ingested-transaction events from the EventBus and runs
// the categorization pipeline on each one.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	applier *apply.Applier

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, applier *apply.Applier) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		repo:    repo,
		applier: applier,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the ingestion topic for the given tenants.
func (w *Worker) Start(cfg Config) error {
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// StartTenant subscribes a single tenant, used when tenants appear at
// runtime rather than from configuration.
func (w *Worker) StartTenant(tenantID string) error {
	return w.startTenantWorker(tenantID)
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processMessage(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)

	return nil
}

// IngestMessage is the payload published when a transaction is ingested.
type IngestMessage struct {
	TransactionID string `json:"transactionId"`
	TenantID      string `json:"tenantId"`
}

// processMessage loads the ingested transaction and runs the pipeline.
func (w *Worker) processMessage(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var ingest IngestMessage
	if err := json.Unmarshal(msg.Payload, &ingest); err != nil {
		slog.Error("failed to parse ingest message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if ingest.TenantID != "" {
		tenantID = ingest.TenantID
	}

	tx, err := w.repo.GetTransaction(ctx, tenantID, ingest.TransactionID)
	if err != nil {
		slog.Error("failed to load ingested transaction",
			"tx_id", ingest.TransactionID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	outcome, err := w.applier.ApplyToTransaction(ctx, tenantID, tx)
	if err != nil {
		slog.Error("categorization failed",
			"tx_id", tx.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction categorized",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"status", outcome.Status,
		"rule_id", outcome.RuleID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}
