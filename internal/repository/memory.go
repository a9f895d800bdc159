package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryRepository is an in-memory domain.Repository. It backs tests and
// the ephemeral driver; all counter mutations are serialized behind one
// mutex so concurrent feedback and apply calls never lose updates.
type MemoryRepository struct {
	mu           sync.Mutex
	transactions map[string]map[string]*domain.Transaction // tenant -> id
	rules        map[string]map[string]*domain.Rule        // tenant -> id
	applications map[string][]*domain.Application          // tenant -> rows
	appKeys      map[string]struct{}                       // tenant|key|tx dedup
	templates    map[string]*domain.Template
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		transactions: make(map[string]map[string]*domain.Transaction),
		rules:        make(map[string]map[string]*domain.Rule),
		applications: make(map[string][]*domain.Application),
		appKeys:      make(map[string]struct{}),
		templates:    make(map[string]*domain.Template),
	}
}

func (m *MemoryRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transactions[tenantID] == nil {
		m.transactions[tenantID] = make(map[string]*domain.Transaction)
	}
	cp := *tx
	m.transactions[tenantID][tx.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[tenantID][txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryRepository) ListRecentTransactions(ctx context.Context, tenantID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*domain.Transaction, 0, len(m.transactions[tenantID]))
	for _, tx := range m.transactions[tenantID] {
		cp := *tx
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryRepository) SetTransactionCategory(ctx context.Context, tenantID string, txID string, categoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[tenantID][txID]
	if !ok {
		return domain.ErrNotFound
	}
	tx.CategoryID = categoryID
	return nil
}

func (m *MemoryRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.Rule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rules[tenantID] == nil {
		m.rules[tenantID] = make(map[string]*domain.Rule)
	}

	cp := *rule
	if existing, ok := m.rules[tenantID][rule.ID]; ok {
		// Updates never touch usage counters.
		cp.TimesApplied = existing.TimesApplied
		cp.SuccessCount = existing.SuccessCount
		cp.TotalFeedbackCount = existing.TotalFeedbackCount
		cp.LastAppliedAt = existing.LastAppliedAt
	}
	m.rules[tenantID][rule.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[tenantID][ruleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

func (m *MemoryRepository) ListRules(ctx context.Context, tenantID string, filter domain.RuleFilter) (*domain.PagedRules, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}

	m.mu.Lock()
	matching := make([]*domain.Rule, 0, len(m.rules[tenantID]))
	for _, rule := range m.rules[tenantID] {
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(rule.Name), strings.ToLower(filter.Query)) {
			continue
		}
		cp := *rule
		matching = append(matching, &cp)
	}
	m.mu.Unlock()

	sortRules(matching)

	total := len(matching)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return &domain.PagedRules{
		Rules:   matching[start:end],
		Total:   total,
		Page:    page,
		PerPage: perPage,
	}, nil
}

func (m *MemoryRepository) ListActiveRules(ctx context.Context, tenantID string) ([]*domain.Rule, error) {
	m.mu.Lock()
	active := make([]*domain.Rule, 0, len(m.rules[tenantID]))
	for _, rule := range m.rules[tenantID] {
		if rule.Status == domain.RuleStatusActive {
			cp := *rule
			active = append(active, &cp)
		}
	}
	m.mu.Unlock()

	sortRules(active)
	return active, nil
}

func (m *MemoryRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[tenantID][ruleID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rules[tenantID], ruleID)
	return nil
}

func (m *MemoryRepository) RecordApplication(ctx context.Context, tenantID string, app *domain.Application) (bool, error) {
	if app.IdempotencyKey == "" {
		return false, fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dedupKey := tenantID + "|" + app.IdempotencyKey + "|" + app.TransactionID
	if _, seen := m.appKeys[dedupKey]; seen {
		return false, nil
	}
	m.appKeys[dedupKey] = struct{}{}

	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	cp := *app
	m.applications[tenantID] = append(m.applications[tenantID], &cp)

	if tx, ok := m.transactions[tenantID][app.TransactionID]; ok {
		tx.CategoryID = app.CategoryID
	}
	if rule, ok := m.rules[tenantID][app.RuleID]; ok {
		rule.TimesApplied++
		t := app.AppliedAt
		rule.LastAppliedAt = &t
	}

	return true, nil
}

func (m *MemoryRepository) IncrementFeedback(ctx context.Context, tenantID string, ruleID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[tenantID][ruleID]
	if !ok {
		return domain.ErrNotFound
	}
	rule.TotalFeedbackCount++
	if success {
		rule.SuccessCount++
	}
	return nil
}

func (m *MemoryRepository) GetApplicationStats(ctx context.Context, tenantID string, ruleID string) (*domain.ApplicationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &domain.ApplicationStats{}
	seen := make(map[string]struct{})
	months := make(map[string]int64)
	categories := make(map[string]int64)
	merchants := make(map[string]int64)

	for _, app := range m.applications[tenantID] {
		if app.RuleID != ruleID {
			continue
		}
		seen[app.TransactionID] = struct{}{}
		months[app.AppliedAt.Format("2006-01")]++
		categories[app.CategoryID]++
		merchants[app.Merchant]++
	}

	stats.TotalTransactionsAffected = int64(len(seen))
	for month, count := range months {
		stats.MonthlyHistogram = append(stats.MonthlyHistogram, domain.MonthlyCount{Month: month, Count: count})
	}
	sort.Slice(stats.MonthlyHistogram, func(i, j int) bool {
		return stats.MonthlyHistogram[i].Month < stats.MonthlyHistogram[j].Month
	})
	stats.TopCategories = topLabelCounts(categories, 5)
	stats.TopMerchants = topLabelCounts(merchants, 5)

	return stats, nil
}

func (m *MemoryRepository) ListTemplates(ctx context.Context) ([]*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Template, 0, len(m.templates))
	for _, tpl := range m.templates {
		cp := *tpl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PopularityScore != out[j].PopularityScore {
			return out[i].PopularityScore > out[j].PopularityScore
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryRepository) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[templateID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *tpl
	return &cp, nil
}

func (m *MemoryRepository) SaveTemplate(ctx context.Context, tpl *domain.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tpl
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.templates[tpl.ID] = &cp
	return nil
}

func (m *MemoryRepository) IncrementTemplatePopularity(ctx context.Context, templateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[templateID]
	if !ok {
		return domain.ErrNotFound
	}
	tpl.PopularityScore++
	return nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

func sortRules(rules []*domain.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

func topLabelCounts(counts map[string]int64, limit int) []domain.LabelCount {
	out := make([]domain.LabelCount, 0, len(counts))
	for label, count := range counts {
		out = append(out, domain.LabelCount{Label: label, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
