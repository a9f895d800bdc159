package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// slowRuleSource snapshots the active-rule listing, then delays returning
// it, widening the window between matcher publication and the first load.
type slowRuleSource struct {
	domain.Repository
	delay time.Duration
	lists int32
}

func (s *slowRuleSource) ListActiveRules(ctx context.Context, tenantID string) ([]*domain.Rule, error) {
	atomic.AddInt32(&s.lists, 1)
	rules, err := s.Repository.ListActiveRules(ctx, tenantID)
	time.Sleep(s.delay)
	return rules, err
}

func TestForTenantNeverReturnsUnloadedMatcher(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	if err := mem.SaveRule(ctx, "tenant-001", activeTestRule("r1", 10, time.Now().UTC(), "coffee")); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	src := &slowRuleSource{Repository: mem, delay: 50 * time.Millisecond}
	reg := NewRegistry(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := reg.ForTenant(ctx, "tenant-001")
			if err != nil {
				t.Errorf("ForTenant failed: %v", err)
				return
			}
			if m.Count() != 1 {
				t.Errorf("matcher visible with %d rules before initial load finished", m.Count())
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&src.lists); got != 1 {
		t.Errorf("expected a single repository load, got %d", got)
	}
}

func TestPushedRuleSurvivesInitialReload(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	if err := mem.SaveRule(ctx, "tenant-001", activeTestRule("r1", 10, time.Now().UTC(), "coffee")); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	src := &slowRuleSource{Repository: mem, delay: 50 * time.Millisecond}
	reg := NewRegistry(src)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := reg.ForTenant(ctx, "tenant-001"); err != nil {
			t.Errorf("ForTenant failed: %v", err)
		}
	}()

	// Let the background load take its pre-delay snapshot of just r1,
	// then save and push a second rule while the swap is still pending.
	time.Sleep(10 * time.Millisecond)
	r2 := activeTestRule("r2", 20, time.Now().UTC(), "grocery")
	if err := mem.SaveRule(ctx, "tenant-001", r2); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}
	if err := reg.Load("tenant-001", r2); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	wg.Wait()

	m, err := reg.ForTenant(ctx, "tenant-001")
	if err != nil {
		t.Fatalf("ForTenant failed: %v", err)
	}
	if m.Count() != 2 {
		t.Fatalf("expected both rules resident, got %d", m.Count())
	}
}

func TestForTenantRetriesAfterLoadFailure(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()

	bad := activeTestRule("bad", 10, time.Now().UTC(), "coffee")
	bad.Conditions = domain.Conditions{MerchantRegex: "[invalid"}
	if err := mem.SaveRule(ctx, "tenant-001", bad); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	reg := NewRegistry(mem)
	if _, err := reg.ForTenant(ctx, "tenant-001"); err == nil {
		t.Fatal("expected compile failure on first access")
	}

	if err := mem.DeleteRule(ctx, "tenant-001", "bad"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if err := mem.SaveRule(ctx, "tenant-001", activeTestRule("good", 10, time.Now().UTC(), "coffee")); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	m, err := reg.ForTenant(ctx, "tenant-001")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 rule after retry, got %d", m.Count())
	}
}
