package domain

// MonthlyCount is one bucket of the per-rule application histogram.
type MonthlyCount struct {
	Month string `json:"month"` // "2026-08"
	Count int64  `json:"count"`
}

// LabelCount is a ranked label (category, merchant) with its count.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// ApplicationStats is the aggregation the repository computes over the
// rule_applications table for one rule.
type ApplicationStats struct {
	TotalTransactionsAffected int64          `json:"totalTransactionsAffected"`
	MonthlyHistogram          []MonthlyCount `json:"monthlyHistogram"`
	TopCategories             []LabelCount   `json:"topCategories"`
	TopMerchants              []LabelCount   `json:"topMerchants"`
}

// RuleMetrics is the full effectiveness view for one rule. SuccessRate is
// always derived from the stored counter pair, never stored itself.
type RuleMetrics struct {
	RuleID                    string         `json:"ruleId"`
	TimesApplied              int64          `json:"timesApplied"`
	SuccessCount              int64          `json:"successCount"`
	TotalFeedbackCount        int64          `json:"totalFeedbackCount"`
	SuccessRate               float64        `json:"successRate"`
	TotalTransactionsAffected int64          `json:"totalTransactionsAffected"`
	MonthlyHistogram          []MonthlyCount `json:"monthlyHistogram"`
	TopCategories             []LabelCount   `json:"topCategories"`
	TopMerchants              []LabelCount   `json:"topMerchants"`
}

// GlobalMetrics summarizes rule effectiveness across the whole tenant.
type GlobalMetrics struct {
	ActiveRules       int64   `json:"activeRules"`
	TotalApplications int64   `json:"totalApplications"`
	TotalFeedback     int64   `json:"totalFeedback"`
	OverallSuccess    float64 `json:"overallSuccessRate"`
}
