package rules

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ValidateRule is the shared validation used by manual creation, template
// instantiation, and import. It returns a *domain.ValidationError on the
// first problem found.
func ValidateRule(r *domain.Rule) error {
	if r.Name == "" {
		return domain.NewValidationError("name", "is required")
	}
	if r.Action.TargetCategoryID == "" {
		return domain.NewValidationError("action.target_category_id", "is required")
	}
	if r.Action.ConfidenceThreshold < 0 || r.Action.ConfidenceThreshold > 1 {
		return domain.NewValidationError("action.confidence_threshold", "must be between 0 and 1")
	}

	switch r.Status {
	case domain.RuleStatusDraft, domain.RuleStatusActive, domain.RuleStatusInactive:
	default:
		return domain.NewValidationError("status", "unknown status %q", r.Status)
	}

	return Validate(r.Conditions)
}
