package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RuleStatus is the lifecycle state of a rule.
type RuleStatus string

const (
	RuleStatusDraft    RuleStatus = "draft"
	RuleStatusActive   RuleStatus = "active"
	RuleStatusInactive RuleStatus = "inactive"
)

// Rule is a prioritized predicate+action pair for transaction categorization.
type Rule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Lower priority is evaluated first. Ties break on CreatedAt, then ID,
	// so the active set always has a total, deterministic order.
	Priority int `json:"priority"`

	Conditions Conditions `json:"conditions"`
	Action     Action     `json:"action"`

	Status RuleStatus `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Usage counters, mutated only through atomic repository updates
	TimesApplied       int64      `json:"timesApplied"`
	SuccessCount       int64      `json:"successCount"`
	TotalFeedbackCount int64      `json:"totalFeedbackCount"`
	LastAppliedAt      *time.Time `json:"lastAppliedAt,omitempty"`
}

// SuccessRate derives the feedback success rate from the stored counter
// pair at read time. Returns 0 when no feedback has been recorded.
func (r *Rule) SuccessRate() float64 {
	if r.TotalFeedbackCount == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.TotalFeedbackCount)
}

// Action is the category assignment a matching rule applies.
type Action struct {
	TargetCategoryID    string  `json:"target_category_id"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// AmountRange is an inclusive range over absolute amounts in minor units.
type AmountRange struct {
	MinCents int64 `json:"min_cents"`
	MaxCents int64 `json:"max_cents"`
}

// Conditions is the structured predicate set of a rule. Every field is
// optional; an absent field is simply not checked. Specified kinds combine
// with AND; values listed within one kind combine with OR.
type Conditions struct {
	MerchantContains    []string     `json:"merchant_contains,omitempty"`
	MerchantExact       []string     `json:"merchant_exact,omitempty"`
	MerchantRegex       string       `json:"merchant_regex,omitempty"`
	AmountRange         *AmountRange `json:"amount_range,omitempty"`
	AmountExact         *int64       `json:"amount_exact,omitempty"`
	DescriptionContains []string     `json:"description_contains,omitempty"`
	DescriptionRegex    string       `json:"description_regex,omitempty"`
	TransactionType     string       `json:"transaction_type,omitempty"`
	AccountType         []string     `json:"account_type,omitempty"`
	ExcludeCategoryIDs  []string     `json:"exclude_category_ids,omitempty"`

	// Expression is an optional CEL predicate over the transaction,
	// compiled at save time like the regex kinds.
	Expression string `json:"expression,omitempty"`
}

// ParseConditions decodes a conditions document, rejecting unknown keys.
func ParseConditions(raw []byte) (Conditions, error) {
	var c Conditions
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Conditions{}, fmt.Errorf("invalid conditions: %w", err)
	}
	return c, nil
}

// IsEmpty reports whether no predicate kind is specified.
func (c *Conditions) IsEmpty() bool {
	return len(c.MerchantContains) == 0 &&
		len(c.MerchantExact) == 0 &&
		c.MerchantRegex == "" &&
		c.AmountRange == nil &&
		c.AmountExact == nil &&
		len(c.DescriptionContains) == 0 &&
		c.DescriptionRegex == "" &&
		c.TransactionType == "" &&
		len(c.AccountType) == 0 &&
		len(c.ExcludeCategoryIDs) == 0 &&
		c.Expression == ""
}

// MatchResult is the output of evaluating one rule's conditions.
type MatchResult struct {
	Matched               bool     `json:"matched"`
	MatchedConditionNames []string `json:"matchedConditionNames,omitempty"`
	MatchScore            float64  `json:"matchScore"`
}

// Outcome statuses for a single transaction within a bulk apply call.
const (
	OutcomeApplied     = "applied"
	OutcomeNoMatch     = "no_match"
	OutcomeNeedsReview = "needs_review"
	OutcomeFailed      = "failed"
)

// ApplicationOutcome records what happened to one transaction during apply.
type ApplicationOutcome struct {
	TransactionID string  `json:"transactionId"`
	RuleID        string  `json:"ruleId,omitempty"`
	Applied       bool    `json:"applied"`
	Status        string  `json:"status"`
	Reason        string  `json:"reason,omitempty"`
	CategoryID    string  `json:"categoryId,omitempty"`
	MatchScore    float64 `json:"matchScore,omitempty"`
}

// ApplicationManifest is the per-batch result of RuleApplier.Apply.
// A bulk call never aborts on a single item; every item lands in exactly
// one of these buckets.
type ApplicationManifest struct {
	DryRun      bool                 `json:"dryRun"`
	Applied     []ApplicationOutcome `json:"applied"`
	NoMatch     []ApplicationOutcome `json:"noMatch"`
	NeedsReview []ApplicationOutcome `json:"needsReview"`
	Failed      []ApplicationOutcome `json:"failed"`
}

// Application is a persisted record of a single rule application. The
// idempotency key makes client retries safe with respect to counters.
type Application struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	RuleID         string    `json:"ruleId"`
	TransactionID  string    `json:"transactionId"`
	CategoryID     string    `json:"categoryId"`
	Merchant       string    `json:"merchant"`
	MatchScore     float64   `json:"matchScore"`
	IdempotencyKey string    `json:"idempotencyKey"`
	AppliedAt      time.Time `json:"appliedAt"`
}

// RuleFilter narrows and pages a rule listing.
type RuleFilter struct {
	Status  RuleStatus // empty = all
	Query   string     // substring match on name
	Page    int        // 1-based
	PerPage int
}

// PagedRules is one page of a rule listing.
type PagedRules struct {
	Rules   []*Rule `json:"rules"`
	Total   int     `json:"total"`
	Page    int     `json:"page"`
	PerPage int     `json:"perPage"`
}

// RulePatch carries partial updates for a rule. Nil fields are unchanged.
type RulePatch struct {
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	Priority    *int        `json:"priority,omitempty"`
	Conditions  *Conditions `json:"conditions,omitempty"`
	Action      *Action     `json:"action,omitempty"`
	Status      *RuleStatus `json:"status,omitempty"`
}
