// Package template instantiates rules from reusable rule blueprints.
package template

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Expander turns templates into tenant-owned rules.
type Expander struct {
	repo     domain.Repository
	registry *rules.Registry
}

// NewExpander creates an expander.
func NewExpander(repo domain.Repository, registry *rules.Registry) *Expander {
	return &Expander{repo: repo, registry: registry}
}

// Instantiate builds a rule from a template plus customization, validates
// it, and persists it for the tenant. Validation happens before any write;
// the template's popularity is bumped only after the rule is saved.
func (e *Expander) Instantiate(ctx context.Context, tenantID string, templateID string, custom domain.TemplateCustomization) (*domain.Rule, error) {
	tpl, err := e.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	if custom.TargetCategoryID == "" {
		return nil, domain.NewValidationError("target_category_id", "a target category is required to instantiate a template")
	}

	conditions := tpl.Conditions
	if custom.ConditionOverrides != nil {
		conditions = *custom.ConditionOverrides
	}

	name := custom.Name
	if name == "" {
		name = tpl.Name
	}

	priority := tpl.DefaultPriority
	if custom.Priority != nil {
		priority = *custom.Priority
	}

	status := domain.RuleStatusDraft
	if custom.ActivateImmediately {
		status = domain.RuleStatusActive
	}

	now := time.Now().UTC()
	rule := &domain.Rule{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Name:       name,
		Priority:   priority,
		Conditions: conditions,
		Action: domain.Action{
			TargetCategoryID:    custom.TargetCategoryID,
			ConfidenceThreshold: tpl.Action.ConfidenceThreshold,
		},
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := rules.ValidateRule(rule); err != nil {
		return nil, err
	}

	if err := e.repo.SaveRule(ctx, tenantID, rule); err != nil {
		return nil, err
	}

	if err := e.registry.Load(tenantID, rule); err != nil {
		return nil, err
	}

	if err := e.repo.IncrementTemplatePopularity(ctx, templateID); err != nil {
		slog.Warn("failed to bump template popularity",
			"template_id", templateID,
			"error", err,
		)
	}

	return rule, nil
}

// SeedDefaults installs the official starter templates. Existing templates
// keep their popularity; seeding only fills gaps.
func SeedDefaults(ctx context.Context, repo domain.Repository) error {
	for _, tpl := range defaultTemplates() {
		if _, err := repo.GetTemplate(ctx, tpl.ID); err == nil {
			continue
		}
		if err := repo.SaveTemplate(ctx, tpl); err != nil {
			return err
		}
	}
	return nil
}

func defaultTemplates() []*domain.Template {
	now := time.Now().UTC()
	return []*domain.Template{
		{
			ID:       "tpl-coffee-shops",
			Name:     "Coffee shops",
			Category: "dining",
			Conditions: domain.Conditions{
				MerchantContains: []string{"starbucks", "dunkin", "peet", "costa", "caffe"},
				TransactionType:  domain.TransactionTypeExpense,
			},
			DefaultPriority: 50,
			IsOfficial:      true,
			CreatedAt:       now,
		},
		{
			ID:       "tpl-ride-sharing",
			Name:     "Ride sharing",
			Category: "transport",
			Conditions: domain.Conditions{
				MerchantContains: []string{"uber", "lyft", "bolt"},
				TransactionType:  domain.TransactionTypeExpense,
			},
			DefaultPriority: 50,
			IsOfficial:      true,
			CreatedAt:       now,
		},
		{
			ID:       "tpl-streaming",
			Name:     "Streaming subscriptions",
			Category: "entertainment",
			Conditions: domain.Conditions{
				MerchantContains: []string{"netflix", "spotify", "hulu", "disney", "hbo"},
				TransactionType:  domain.TransactionTypeExpense,
			},
			DefaultPriority: 40,
			IsOfficial:      true,
			CreatedAt:       now,
		},
		{
			ID:       "tpl-groceries",
			Name:     "Groceries",
			Category: "groceries",
			Conditions: domain.Conditions{
				MerchantContains: []string{"whole foods", "trader joe", "safeway", "kroger", "aldi"},
				TransactionType:  domain.TransactionTypeExpense,
			},
			DefaultPriority: 60,
			IsOfficial:      true,
			CreatedAt:       now,
		},
		{
			ID:       "tpl-salary",
			Name:     "Salary deposits",
			Category: "income",
			Conditions: domain.Conditions{
				DescriptionContains: []string{"payroll", "salary", "direct deposit"},
				TransactionType:     domain.TransactionTypeIncome,
			},
			DefaultPriority: 10,
			IsOfficial:      true,
			CreatedAt:       now,
		},
	}
}
