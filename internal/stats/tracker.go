// Package stats tracks rule usage counters and feedback metrics.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// metricsTTL bounds metric staleness. Feedback writes invalidate eagerly,
// so the TTL only covers applications recorded by other nodes.
const metricsTTL = 30 * time.Second

// Tracker serves rule effectiveness metrics and records user feedback.
// Counter mutations go through single atomic repository updates; success
// rates are derived from the counter pair at read time and never stored.
type Tracker struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewTracker creates a tracker backed by the repository and cache.
func NewTracker(repo domain.Repository, cache domain.Cache) *Tracker {
	return &Tracker{repo: repo, cache: cache}
}

// RecordFeedback applies one accept/correct signal to a rule's counters.
func (t *Tracker) RecordFeedback(ctx context.Context, tenantID string, ruleID string, success bool) error {
	if err := t.repo.IncrementFeedback(ctx, tenantID, ruleID, success); err != nil {
		return err
	}

	if err := t.cache.Delete(ctx, tenantID, metricsKey(ruleID)); err != nil {
		slog.Warn("failed to invalidate metrics cache",
			"tenant_id", tenantID,
			"rule_id", ruleID,
			"error", err,
		)
	}
	return nil
}

// Metrics assembles the effectiveness view for one rule: stored counters,
// the derived success rate, and the application aggregation.
func (t *Tracker) Metrics(ctx context.Context, tenantID string, ruleID string) (*domain.RuleMetrics, error) {
	if cached, err := t.cache.Get(ctx, tenantID, metricsKey(ruleID)); err == nil && cached != nil {
		var m domain.RuleMetrics
		if err := json.Unmarshal(cached, &m); err == nil {
			return &m, nil
		}
	}

	rule, err := t.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}

	appStats, err := t.repo.GetApplicationStats(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}

	metrics := &domain.RuleMetrics{
		RuleID:                    rule.ID,
		TimesApplied:              rule.TimesApplied,
		SuccessCount:              rule.SuccessCount,
		TotalFeedbackCount:        rule.TotalFeedbackCount,
		SuccessRate:               rule.SuccessRate(),
		TotalTransactionsAffected: appStats.TotalTransactionsAffected,
		MonthlyHistogram:          appStats.MonthlyHistogram,
		TopCategories:             appStats.TopCategories,
		TopMerchants:              appStats.TopMerchants,
	}

	if data, err := json.Marshal(metrics); err == nil {
		_ = t.cache.Set(ctx, tenantID, metricsKey(ruleID), data, metricsTTL)
	}

	return metrics, nil
}

// GlobalMetrics summarizes rule effectiveness across the tenant's rule set.
func (t *Tracker) GlobalMetrics(ctx context.Context, tenantID string) (*domain.GlobalMetrics, error) {
	page, err := t.repo.ListRules(ctx, tenantID, domain.RuleFilter{Page: 1, PerPage: 1000})
	if err != nil {
		return nil, err
	}

	global := &domain.GlobalMetrics{}
	var successes int64
	for _, rule := range page.Rules {
		if rule.Status == domain.RuleStatusActive {
			global.ActiveRules++
		}
		global.TotalApplications += rule.TimesApplied
		global.TotalFeedback += rule.TotalFeedbackCount
		successes += rule.SuccessCount
	}
	if global.TotalFeedback > 0 {
		global.OverallSuccess = float64(successes) / float64(global.TotalFeedback)
	}

	return global, nil
}

func metricsKey(ruleID string) string {
	return "metrics:rule:" + ruleID
}
