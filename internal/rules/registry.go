package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registry keeps one Matcher per tenant, built lazily from the stored
// active-rule set. Rule mutations are pushed through Load and Remove so a
// tenant's matcher always mirrors the store without a reload cycle.
type Registry struct {
	mu      sync.Mutex
	repo    domain.Repository
	entries map[string]*registryEntry
}

// registryEntry guards a tenant matcher's first load. Callers wait on the
// once so nobody evaluates against a matcher before its initial reload,
// and pushed mutations cannot be wiped by a reload that finishes later.
type registryEntry struct {
	once    sync.Once
	matcher *Matcher
	err     error
}

func (e *registryEntry) init(ctx context.Context, repo domain.Repository, tenantID string) {
	e.once.Do(func() {
		active, err := repo.ListActiveRules(ctx, tenantID)
		if err != nil {
			e.err = fmt.Errorf("failed to load active rules: %w", err)
			return
		}
		if err := e.matcher.Reload(active); err != nil {
			e.err = fmt.Errorf("failed to compile active rules: %w", err)
		}
	})
}

// NewRegistry creates a registry backed by the given repository.
func NewRegistry(repo domain.Repository) *Registry {
	return &Registry{
		repo:    repo,
		entries: make(map[string]*registryEntry),
	}
}

// ForTenant returns the tenant's matcher, loading active rules from the
// repository on first access. Concurrent first callers share one load.
func (r *Registry) ForTenant(ctx context.Context, tenantID string) (*Matcher, error) {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok {
		e = &registryEntry{matcher: NewMatcher()}
		r.entries[tenantID] = e
	}
	r.mu.Unlock()

	e.init(ctx, r.repo, tenantID)
	if e.err != nil {
		// Drop the failed entry so a later call can retry the load.
		r.mu.Lock()
		if r.entries[tenantID] == e {
			delete(r.entries, tenantID)
		}
		r.mu.Unlock()
		return nil, e.err
	}

	return e.matcher, nil
}

// Load pushes a saved rule into the tenant's matcher if one is resident.
// Tenants without a resident matcher pick the rule up on first access.
func (r *Registry) Load(tenantID string, rule *domain.Rule) error {
	e, ok := r.resident(tenantID)
	if !ok {
		return nil
	}
	return e.matcher.Load(rule)
}

// Remove drops a deleted rule from the tenant's matcher immediately.
func (r *Registry) Remove(tenantID string, ruleID string) {
	if e, ok := r.resident(tenantID); ok {
		e.matcher.Remove(ruleID)
	}
}

// resident returns the tenant's entry once its initial load has finished.
// The rule being pushed is already persisted, so a tenant whose entry is
// absent or failed will pick it up on the next ForTenant load.
func (r *Registry) resident(tenantID string) (*registryEntry, bool) {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.init(context.Background(), r.repo, tenantID)
	if e.err != nil {
		return nil, false
	}
	return e, true
}
