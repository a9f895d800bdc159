package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestTracker(t *testing.T) (*Tracker, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemory()
	return NewTracker(repo, cache.NewLRUCache(100)), repo
}

func seedRule(t *testing.T, repo domain.Repository, tenantID, ruleID string) {
	t.Helper()
	err := repo.SaveRule(context.Background(), tenantID, &domain.Rule{
		ID:         ruleID,
		Name:       "rule " + ruleID,
		Status:     domain.RuleStatusActive,
		Conditions: domain.Conditions{MerchantContains: []string{"x"}},
		Action:     domain.Action{TargetCategoryID: "cat-1"},
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}
}

func TestTrackerFeedback(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	tracker, repo := newTestTracker(t)
	seedRule(t, repo, tenantID, "rule-001")

	t.Run("RecordAndDerive", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := tracker.RecordFeedback(ctx, tenantID, "rule-001", true); err != nil {
				t.Fatalf("RecordFeedback failed: %v", err)
			}
		}
		if err := tracker.RecordFeedback(ctx, tenantID, "rule-001", false); err != nil {
			t.Fatalf("RecordFeedback failed: %v", err)
		}

		metrics, err := tracker.Metrics(ctx, tenantID, "rule-001")
		if err != nil {
			t.Fatalf("Metrics failed: %v", err)
		}
		if metrics.TotalFeedbackCount != 4 {
			t.Errorf("expected 4 feedback events, got %d", metrics.TotalFeedbackCount)
		}
		if metrics.SuccessCount != 3 {
			t.Errorf("expected 3 successes, got %d", metrics.SuccessCount)
		}
		if metrics.SuccessRate != 0.75 {
			t.Errorf("expected success rate 0.75, got %f", metrics.SuccessRate)
		}
	})

	t.Run("FeedbackInvalidatesCache", func(t *testing.T) {
		before, err := tracker.Metrics(ctx, tenantID, "rule-001")
		if err != nil {
			t.Fatalf("Metrics failed: %v", err)
		}

		if err := tracker.RecordFeedback(ctx, tenantID, "rule-001", true); err != nil {
			t.Fatalf("RecordFeedback failed: %v", err)
		}

		after, err := tracker.Metrics(ctx, tenantID, "rule-001")
		if err != nil {
			t.Fatalf("Metrics failed: %v", err)
		}
		if after.TotalFeedbackCount != before.TotalFeedbackCount+1 {
			t.Errorf("expected fresh counters after feedback, got %d then %d",
				before.TotalFeedbackCount, after.TotalFeedbackCount)
		}
	})

	t.Run("UnknownRule", func(t *testing.T) {
		err := tracker.RecordFeedback(ctx, tenantID, "nonexistent", true)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		_, err = tracker.Metrics(ctx, tenantID, "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestTrackerConcurrentFeedback(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	tracker, repo := newTestTracker(t)
	seedRule(t, repo, tenantID, "rule-001")

	const events = 200
	var wg sync.WaitGroup
	wg.Add(events)

	for i := 0; i < events; i++ {
		success := i%2 == 0
		go func(success bool) {
			defer wg.Done()
			if err := tracker.RecordFeedback(ctx, tenantID, "rule-001", success); err != nil {
				t.Errorf("RecordFeedback failed: %v", err)
			}
		}(success)
	}
	wg.Wait()

	metrics, err := tracker.Metrics(ctx, tenantID, "rule-001")
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if metrics.TotalFeedbackCount != events {
		t.Errorf("expected %d feedback events, got %d", events, metrics.TotalFeedbackCount)
	}
	if metrics.SuccessCount != events/2 {
		t.Errorf("expected %d successes, got %d", events/2, metrics.SuccessCount)
	}
	if metrics.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %f", metrics.SuccessRate)
	}
}

func TestTrackerGlobalMetrics(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	tracker, repo := newTestTracker(t)
	seedRule(t, repo, tenantID, "rule-001")
	seedRule(t, repo, tenantID, "rule-002")

	_ = tracker.RecordFeedback(ctx, tenantID, "rule-001", true)
	_ = tracker.RecordFeedback(ctx, tenantID, "rule-002", false)

	global, err := tracker.GlobalMetrics(ctx, tenantID)
	if err != nil {
		t.Fatalf("GlobalMetrics failed: %v", err)
	}
	if global.ActiveRules != 2 {
		t.Errorf("expected 2 active rules, got %d", global.ActiveRules)
	}
	if global.TotalFeedback != 2 {
		t.Errorf("expected 2 feedback events, got %d", global.TotalFeedback)
	}
	if global.OverallSuccess != 0.5 {
		t.Errorf("expected overall success 0.5, got %f", global.OverallSuccess)
	}
}
