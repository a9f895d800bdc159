// Package apply executes active rule sets against stored transactions.
package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// idempotencyTTL bounds how long the cache fast path remembers a batch key.
// The database unique constraint remains the source of truth after expiry.
const idempotencyTTL = 24 * time.Hour

// Request is one bulk apply invocation.
type Request struct {
	TransactionIDs []string `json:"transaction_ids"`
	DryRun         bool     `json:"dry_run"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// Applier runs the first-match-wins categorization pipeline over batches
// of transactions. Item failures never abort a batch.
type Applier struct {
	repo     domain.Repository
	registry *rules.Registry
	cache    domain.Cache
	bus      domain.EventBus
	workers  int
}

// NewApplier creates an applier with a bounded worker pool.
func NewApplier(repo domain.Repository, registry *rules.Registry, cache domain.Cache, eventBus domain.EventBus, workers int) *Applier {
	if workers <= 0 {
		workers = 8
	}
	return &Applier{
		repo:     repo,
		registry: registry,
		cache:    cache,
		bus:      eventBus,
		workers:  workers,
	}
}

// Apply evaluates the tenant's active rules against each listed transaction
// and returns a manifest placing every scheduled item in exactly one bucket.
// When the context is cancelled mid-batch, already applied items stay
// applied and the partial manifest is returned with the context error.
func (a *Applier) Apply(ctx context.Context, tenantID string, req Request) (*domain.ApplicationManifest, error) {
	if len(req.TransactionIDs) == 0 {
		return nil, domain.NewValidationError("transaction_ids", "at least one transaction id is required")
	}

	matcher, err := a.registry.ForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = uuid.New().String()
	}

	manifest := &domain.ApplicationManifest{DryRun: req.DryRun}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(a.workers)

	for _, txID := range req.TransactionIDs {
		if ctx.Err() != nil {
			break
		}
		txID := txID
		g.Go(func() error {
			outcome := a.applyOne(ctx, tenantID, matcher, txID, idemKey, req.DryRun)
			mu.Lock()
			defer mu.Unlock()
			switch outcome.Status {
			case domain.OutcomeApplied:
				manifest.Applied = append(manifest.Applied, outcome)
			case domain.OutcomeNoMatch:
				manifest.NoMatch = append(manifest.NoMatch, outcome)
			case domain.OutcomeNeedsReview:
				manifest.NeedsReview = append(manifest.NeedsReview, outcome)
			default:
				manifest.Failed = append(manifest.Failed, outcome)
			}
			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		slog.Warn("bulk apply interrupted",
			"tenant_id", tenantID,
			"applied", len(manifest.Applied),
			"requested", len(req.TransactionIDs),
		)
		return manifest, err
	}

	return manifest, nil
}

// ApplyToTransaction runs the pipeline for a single already-loaded
// transaction. Used by the async ingest worker.
func (a *Applier) ApplyToTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) (domain.ApplicationOutcome, error) {
	matcher, err := a.registry.ForTenant(ctx, tenantID)
	if err != nil {
		return domain.ApplicationOutcome{}, err
	}
	return a.categorize(ctx, tenantID, matcher, tx, "ingest:"+tx.ID, false), nil
}

func (a *Applier) applyOne(ctx context.Context, tenantID string, matcher *rules.Matcher, txID, idemKey string, dryRun bool) domain.ApplicationOutcome {
	tx, err := a.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		return domain.ApplicationOutcome{
			TransactionID: txID,
			Status:        domain.OutcomeFailed,
			Reason:        fmt.Sprintf("load transaction: %v", err),
		}
	}
	return a.categorize(ctx, tenantID, matcher, tx, idemKey, dryRun)
}

func (a *Applier) categorize(ctx context.Context, tenantID string, matcher *rules.Matcher, tx *domain.Transaction, idemKey string, dryRun bool) domain.ApplicationOutcome {
	rule, result, ok := matcher.Match(tx)
	if !ok {
		return domain.ApplicationOutcome{
			TransactionID: tx.ID,
			Status:        domain.OutcomeNoMatch,
		}
	}

	outcome := domain.ApplicationOutcome{
		TransactionID: tx.ID,
		RuleID:        rule.ID,
		CategoryID:    rule.Action.TargetCategoryID,
		MatchScore:    result.MatchScore,
	}

	if threshold := rule.Action.ConfidenceThreshold; threshold > 0 && result.MatchScore < threshold {
		outcome.Status = domain.OutcomeNeedsReview
		outcome.CategoryID = ""
		outcome.Reason = fmt.Sprintf("match score %.2f below threshold %.2f", result.MatchScore, threshold)
		if !dryRun {
			a.publish(ctx, tenantID, domain.TopicReviewRequired, reviewEvent{
				TransactionID: tx.ID,
				RuleID:        rule.ID,
				MatchScore:    result.MatchScore,
				Threshold:     threshold,
			})
		}
		return outcome
	}

	outcome.Status = domain.OutcomeApplied
	if dryRun {
		return outcome
	}

	// Cache fast path: a lost claim means another call with the same batch
	// key already handled this item. Cache errors fall through to the
	// database constraint, which stays authoritative.
	claimKey := "apply:" + idemKey + ":" + tx.ID
	if claimed, err := a.cache.SetNX(ctx, tenantID, claimKey, idempotencyTTL); err == nil && !claimed {
		outcome.Reason = "duplicate"
		return outcome
	}

	first, err := a.repo.RecordApplication(ctx, tenantID, &domain.Application{
		RuleID:         rule.ID,
		TransactionID:  tx.ID,
		CategoryID:     rule.Action.TargetCategoryID,
		Merchant:       tx.Merchant,
		MatchScore:     result.MatchScore,
		IdempotencyKey: idemKey,
		AppliedAt:      time.Now().UTC(),
	})
	if err != nil {
		// Nothing was written; release the claim so a retry with the same
		// key can attempt the item again.
		if derr := a.cache.Delete(ctx, tenantID, claimKey); derr != nil {
			slog.Warn("failed to release idempotency claim",
				"tenant_id", tenantID,
				"tx_id", tx.ID,
				"error", derr,
			)
		}
		outcome.Status = domain.OutcomeFailed
		outcome.Reason = fmt.Sprintf("record application: %v", err)
		return outcome
	}
	if !first {
		outcome.Reason = "duplicate"
		return outcome
	}

	outcome.Applied = true
	a.publish(ctx, tenantID, domain.TopicTransactionCategorized, categorizedEvent{
		TransactionID: tx.ID,
		RuleID:        rule.ID,
		CategoryID:    rule.Action.TargetCategoryID,
		MatchScore:    result.MatchScore,
	})
	return outcome
}

func (a *Applier) publish(ctx context.Context, tenantID, topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := a.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Warn("failed to publish event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}

type categorizedEvent struct {
	TransactionID string  `json:"transaction_id"`
	RuleID        string  `json:"rule_id"`
	CategoryID    string  `json:"category_id"`
	MatchScore    float64 `json:"match_score"`
}

type reviewEvent struct {
	TransactionID string  `json:"transaction_id"`
	RuleID        string  `json:"rule_id"`
	MatchScore    float64 `json:"match_score"`
	Threshold     float64 `json:"threshold"`
}
