// Package rules provides condition evaluation and first-match-wins rule
// matching for transaction categorization.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Condition kind names, reported in MatchResult.MatchedConditionNames in
// schema order.
const (
	KindMerchantContains    = "merchant_contains"
	KindMerchantExact       = "merchant_exact"
	KindMerchantRegex       = "merchant_regex"
	KindAmountRange         = "amount_range"
	KindAmountExact         = "amount_exact"
	KindDescriptionContains = "description_contains"
	KindDescriptionRegex    = "description_regex"
	KindTransactionType     = "transaction_type"
	KindAccountType         = "account_type"
	KindExcludeCategoryIDs  = "exclude_category_ids"
	KindExpression          = "expression"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

// expressionEnv builds the shared CEL environment for the expression kind.
func expressionEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("merchant", cel.StringType),
			cel.Variable("description", cel.StringType),
			cel.Variable("amount_cents", cel.IntType),
			cel.Variable("currency", cel.StringType),
			cel.Variable("tx_type", cel.StringType),
			cel.Variable("account_type", cel.StringType),
			cel.Variable("category_id", cel.StringType),
			cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

// CompiledConditions is a validated, pre-compiled predicate set. All
// compilation happens at save/test time; evaluation is pure and cannot
// fail.
type CompiledConditions struct {
	src domain.Conditions

	merchantRe    *regexp.Regexp
	descriptionRe *regexp.Regexp
	program       cel.Program

	specifiedKinds int
}

// Compile validates a conditions document and pre-compiles its regex and
// expression kinds. Invalid input returns a *domain.ValidationError.
func Compile(c domain.Conditions) (*CompiledConditions, error) {
	if c.IsEmpty() {
		return nil, domain.NewValidationError("conditions", "at least one condition is required")
	}

	cc := &CompiledConditions{src: c}

	if c.MerchantRegex != "" {
		re, err := regexp.Compile(c.MerchantRegex)
		if err != nil {
			return nil, domain.NewValidationError("conditions.merchant_regex", "does not compile: %v", err)
		}
		cc.merchantRe = re
	}

	if c.DescriptionRegex != "" {
		re, err := regexp.Compile(c.DescriptionRegex)
		if err != nil {
			return nil, domain.NewValidationError("conditions.description_regex", "does not compile: %v", err)
		}
		cc.descriptionRe = re
	}

	if c.AmountRange != nil && c.AmountRange.MinCents > c.AmountRange.MaxCents {
		return nil, domain.NewValidationError("conditions.amount_range", "min_cents %d exceeds max_cents %d",
			c.AmountRange.MinCents, c.AmountRange.MaxCents)
	}

	if c.TransactionType != "" &&
		c.TransactionType != domain.TransactionTypeIncome &&
		c.TransactionType != domain.TransactionTypeExpense {
		return nil, domain.NewValidationError("conditions.transaction_type", "must be %q or %q",
			domain.TransactionTypeIncome, domain.TransactionTypeExpense)
	}

	if c.Expression != "" {
		program, err := compileExpression(c.Expression)
		if err != nil {
			return nil, domain.NewValidationError("conditions.expression", "%v", err)
		}
		cc.program = program
	}

	cc.specifiedKinds = countKinds(c)

	return cc, nil
}

// Validate checks a conditions document without keeping the compiled form.
func Validate(c domain.Conditions) error {
	_, err := Compile(c)
	return err
}

func compileExpression(expr string) (cel.Program, error) {
	env, err := expressionEnv()
	if err != nil {
		return nil, fmt.Errorf("expression environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("does not compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("must return bool, got %s", ast.OutputType())
	}

	return env.Program(ast)
}

func countKinds(c domain.Conditions) int {
	n := 0
	if len(c.MerchantContains) > 0 {
		n++
	}
	if len(c.MerchantExact) > 0 {
		n++
	}
	if c.MerchantRegex != "" {
		n++
	}
	if c.AmountRange != nil {
		n++
	}
	if c.AmountExact != nil {
		n++
	}
	if len(c.DescriptionContains) > 0 {
		n++
	}
	if c.DescriptionRegex != "" {
		n++
	}
	if c.TransactionType != "" {
		n++
	}
	if len(c.AccountType) > 0 {
		n++
	}
	if len(c.ExcludeCategoryIDs) > 0 {
		n++
	}
	if c.Expression != "" {
		n++
	}
	return n
}

// Conditions returns the source predicate set.
func (cc *CompiledConditions) Conditions() domain.Conditions {
	return cc.src
}

// Evaluate runs every specified predicate kind against the transaction.
// Kinds combine with AND; values listed within one kind combine with OR.
// The exclude_category_ids kind vetoes the match outright when the
// transaction's current category is listed.
func (cc *CompiledConditions) Evaluate(tx *domain.Transaction) domain.MatchResult {
	c := cc.src

	// Exclusion veto short-circuits everything else.
	if len(c.ExcludeCategoryIDs) > 0 && containsString(c.ExcludeCategoryIDs, tx.CategoryID) {
		return domain.MatchResult{}
	}

	matched := make([]string, 0, cc.specifiedKinds)

	if len(c.MerchantContains) > 0 && containsFoldAny(tx.Merchant, c.MerchantContains) {
		matched = append(matched, KindMerchantContains)
	}
	if len(c.MerchantExact) > 0 && equalFoldAny(tx.Merchant, c.MerchantExact) {
		matched = append(matched, KindMerchantExact)
	}
	if cc.merchantRe != nil && cc.merchantRe.MatchString(tx.Merchant) {
		matched = append(matched, KindMerchantRegex)
	}

	amount := tx.AmountCents
	if amount < 0 {
		amount = -amount
	}
	if c.AmountRange != nil && amount >= c.AmountRange.MinCents && amount <= c.AmountRange.MaxCents {
		matched = append(matched, KindAmountRange)
	}
	if c.AmountExact != nil && amount == *c.AmountExact {
		matched = append(matched, KindAmountExact)
	}

	if len(c.DescriptionContains) > 0 && containsFoldAny(tx.Description, c.DescriptionContains) {
		matched = append(matched, KindDescriptionContains)
	}
	if cc.descriptionRe != nil && cc.descriptionRe.MatchString(tx.Description) {
		matched = append(matched, KindDescriptionRegex)
	}

	if c.TransactionType != "" && c.TransactionType == tx.Type {
		matched = append(matched, KindTransactionType)
	}
	if len(c.AccountType) > 0 && containsString(c.AccountType, tx.AccountType) {
		matched = append(matched, KindAccountType)
	}

	// A specified exclusion that did not veto counts as matched.
	if len(c.ExcludeCategoryIDs) > 0 {
		matched = append(matched, KindExcludeCategoryIDs)
	}

	if cc.program != nil && cc.evalExpression(tx) {
		matched = append(matched, KindExpression)
	}

	score := float64(len(matched)) / float64(cc.specifiedKinds)

	return domain.MatchResult{
		Matched:               len(matched) == cc.specifiedKinds,
		MatchedConditionNames: matched,
		MatchScore:            score,
	}
}

// evalExpression runs the compiled CEL program. Runtime evaluation errors
// (e.g. a missing metadata key) count as a non-match; compilation problems
// were already rejected at save time.
func (cc *CompiledConditions) evalExpression(tx *domain.Transaction) bool {
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	out, _, err := cc.program.Eval(map[string]any{
		"merchant":     tx.Merchant,
		"description":  tx.Description,
		"amount_cents": tx.AmountCents,
		"currency":     tx.Currency,
		"tx_type":      tx.Type,
		"account_type": tx.AccountType,
		"category_id":  tx.CategoryID,
		"metadata":     metadata,
	})
	if err != nil {
		return false
	}

	b, ok := out.(types.Bool)
	return ok && bool(b)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsFoldAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func equalFoldAny(text string, values []string) bool {
	for _, v := range values {
		if strings.EqualFold(text, v) {
			return true
		}
	}
	return false
}
