package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func activeTestRule(id string, priority int, createdAt time.Time, merchant string) *domain.Rule {
	return &domain.Rule{
		ID:         id,
		TenantID:   "tenant-001",
		Name:       "rule " + id,
		Priority:   priority,
		Conditions: domain.Conditions{MerchantContains: []string{merchant}},
		Action:     domain.Action{TargetCategoryID: "cat-" + id, ConfidenceThreshold: 0.5},
		Status:     domain.RuleStatusActive,
		CreatedAt:  createdAt,
	}
}

func TestFirstMatchWinsByPriority(t *testing.T) {
	m := NewMatcher()
	now := time.Now().UTC()

	if err := m.Load(activeTestRule("r2", 20, now, "coffee")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := m.Load(activeTestRule("r1", 10, now, "coffee")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	rule, res, ok := m.Match(expenseTx("Blue Bottle Coffee", -450))
	if !ok {
		t.Fatal("expected a match")
	}
	if rule.ID != "r1" {
		t.Errorf("expected lower-priority-number rule r1 to win, got %s", rule.ID)
	}
	if !res.Matched || res.MatchScore != 1.0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestEqualPriorityTieBreaksOnCreatedAt(t *testing.T) {
	m := NewMatcher()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	// Load newest first to prove ordering comes from the sort key,
	// not insertion order.
	if err := m.Reload([]*domain.Rule{
		activeTestRule("newer", 10, t2, "coffee"),
		activeTestRule("older", 10, t1, "coffee"),
	}); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		rule, _, ok := m.Match(expenseTx("Coffee Shop", -450))
		if !ok {
			t.Fatal("expected a match")
		}
		if rule.ID != "older" {
			t.Fatalf("run %d: expected earlier-created rule to win, got %s", i, rule.ID)
		}
	}
}

func TestNoMatchReturnsFalse(t *testing.T) {
	m := NewMatcher()
	_ = m.Load(activeTestRule("r1", 10, time.Now().UTC(), "groceries"))

	_, _, ok := m.Match(expenseTx("Gas Station", -4200))
	if ok {
		t.Error("expected no match")
	}
}

func TestRemoveTakesEffectImmediately(t *testing.T) {
	m := NewMatcher()
	_ = m.Load(activeTestRule("only", 10, time.Now().UTC(), "pharmacy"))

	if _, _, ok := m.Match(expenseTx("CVS PHARMACY", -1250)); !ok {
		t.Fatal("expected match before removal")
	}

	m.Remove("only")

	if _, _, ok := m.Match(expenseTx("CVS PHARMACY", -1250)); ok {
		t.Error("expected no match after removal")
	}
	if m.Count() != 0 {
		t.Errorf("expected empty set, got %d", m.Count())
	}
}

func TestLoadSkipsInactiveAndReplacesByID(t *testing.T) {
	m := NewMatcher()
	now := time.Now().UTC()

	r := activeTestRule("r1", 10, now, "coffee")
	_ = m.Load(r)
	if m.Count() != 1 {
		t.Fatalf("expected 1 rule, got %d", m.Count())
	}

	// Deactivating via Load removes it from the set.
	deactivated := *r
	deactivated.Status = domain.RuleStatusInactive
	_ = m.Load(&deactivated)
	if m.Count() != 0 {
		t.Errorf("expected inactive rule to be dropped, got %d", m.Count())
	}

	// Reloading the active version with new conditions replaces, not appends.
	_ = m.Load(r)
	updated := activeTestRule("r1", 5, now, "espresso")
	_ = m.Load(updated)
	if m.Count() != 1 {
		t.Errorf("expected replacement, got %d rules", m.Count())
	}
	if _, _, ok := m.Match(expenseTx("Espresso Bar", -300)); !ok {
		t.Error("expected updated conditions to be in effect")
	}
}

func TestReloadRejectsBadRuleWithoutSwapping(t *testing.T) {
	m := NewMatcher()
	good := activeTestRule("good", 10, time.Now().UTC(), "coffee")
	_ = m.Load(good)

	bad := activeTestRule("bad", 5, time.Now().UTC(), "x")
	bad.Conditions = domain.Conditions{MerchantRegex: "["}

	if err := m.Reload([]*domain.Rule{good, bad}); err == nil {
		t.Fatal("expected reload to fail on uncompilable rule")
	}

	// Previous set is untouched.
	if _, _, ok := m.Match(expenseTx("Coffee", -450)); !ok {
		t.Error("expected old set to remain active after failed reload")
	}
}

func TestRulesReturnsEvaluationOrder(t *testing.T) {
	m := NewMatcher()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_ = m.Reload([]*domain.Rule{
		activeTestRule("c", 20, t0, "x"),
		activeTestRule("b", 10, t0.Add(time.Minute), "y"),
		activeTestRule("a", 10, t0, "z"),
	})

	got := m.Rules()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestMatchStableUnderConcurrentChurn(t *testing.T) {
	m := NewMatcher()
	now := time.Now().UTC()

	if err := m.Load(activeTestRule("keep", 20, now, "coffee")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	churn := activeTestRule("churn", 10, now, "coffee")
	tx := expenseTx("Blue Bottle Coffee", -450)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				rule, _, ok := m.Match(tx)
				if !ok {
					t.Error("match lost while rules were churning")
					return
				}
				if rule.ID != "keep" && rule.ID != "churn" {
					t.Errorf("unexpected winner %s", rule.ID)
					return
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		if err := m.Load(churn); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		m.Remove("churn")
	}
	close(done)
	wg.Wait()

	rule, _, ok := m.Match(tx)
	if !ok || rule.ID != "keep" {
		t.Fatalf("expected keep to win after churn, got ok=%v", ok)
	}
}
