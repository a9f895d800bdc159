// Package harness dry-runs candidate rule conditions against recent
// transactions without writing anything.
package harness

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Row is the evaluation result for one sampled transaction that matched.
type Row struct {
	TransactionID         string   `json:"transactionId"`
	Merchant              string   `json:"merchant"`
	AmountCents           int64    `json:"amountCents"`
	MatchScore            float64  `json:"matchScore"`
	MatchedConditionNames []string `json:"matchedConditionNames"`
}

// Result summarizes one harness run.
type Result struct {
	SampleSize int   `json:"sampleSize"`
	MatchCount int   `json:"matchCount"`
	Matches    []Row `json:"matches"`
}

// Harness evaluates condition sets against a bounded sample of the
// tenant's most recent transactions. Runs are pure: no counters move, no
// categories change, nothing is persisted.
type Harness struct {
	repo     domain.Repository
	workers  int
	maxLimit int
}

// New creates a harness with a bounded worker pool and sample cap.
func New(repo domain.Repository, workers, maxLimit int) *Harness {
	if workers <= 0 {
		workers = 8
	}
	if maxLimit <= 0 {
		maxLimit = 500
	}
	return &Harness{repo: repo, workers: workers, maxLimit: maxLimit}
}

// Test compiles the conditions eagerly and evaluates them against up to
// limit recent transactions. An uncompilable condition set fails before
// any transaction is read.
func (h *Harness) Test(ctx context.Context, tenantID string, conditions domain.Conditions, limit int) (*Result, error) {
	compiled, err := rules.Compile(conditions)
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > h.maxLimit {
		limit = h.maxLimit
	}

	transactions, err := h.repo.ListRecentTransactions(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}

	// Indexed result slots keep the newest-first sample order stable
	// under parallel evaluation.
	rows := make([]*Row, len(transactions))

	var g errgroup.Group
	g.SetLimit(h.workers)

	for i, tx := range transactions {
		i, tx := i, tx
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := compiled.Evaluate(tx)
			if res.Matched {
				rows[i] = &Row{
					TransactionID:         tx.ID,
					Merchant:              tx.Merchant,
					AmountCents:           tx.AmountCents,
					MatchScore:            res.MatchScore,
					MatchedConditionNames: res.MatchedConditionNames,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		SampleSize: len(transactions),
		Matches:    make([]Row, 0, len(transactions)),
	}
	for _, row := range rows {
		if row != nil {
			result.MatchCount++
			result.Matches = append(result.Matches, *row)
		}
	}

	return result, nil
}
