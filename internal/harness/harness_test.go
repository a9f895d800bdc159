package harness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func seedTransactions(t *testing.T, repo domain.Repository, tenantID string, count int) {
	t.Helper()
	base := time.Now().UTC()
	for i := 0; i < count; i++ {
		merchant := "Corner Store"
		if i%3 == 0 {
			merchant = "Starbucks"
		}
		tx := &domain.Transaction{
			ID:          fmt.Sprintf("tx-%03d", i),
			Merchant:    merchant,
			Type:        domain.TransactionTypeExpense,
			AmountCents: -int64(100 + i),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			CreatedAt:   base,
		}
		if err := repo.SaveTransaction(context.Background(), tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}
}

func TestHarness(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	repo := repository.NewMemory()
	seedTransactions(t, repo, tenantID, 30)

	h := New(repo, 4, 20)

	t.Run("MatchesWithoutWrites", func(t *testing.T) {
		result, err := h.Test(ctx, tenantID, domain.Conditions{
			MerchantContains: []string{"starbucks"},
		}, 20)
		if err != nil {
			t.Fatalf("Test failed: %v", err)
		}

		if result.SampleSize != 20 {
			t.Errorf("expected sample of 20, got %d", result.SampleSize)
		}
		if result.MatchCount == 0 {
			t.Error("expected some matches")
		}
		if len(result.Matches) != result.MatchCount {
			t.Errorf("match count %d disagrees with rows %d", result.MatchCount, len(result.Matches))
		}
		for _, row := range result.Matches {
			if row.MatchScore != 1.0 {
				t.Errorf("expected full score for single-kind match, got %f", row.MatchScore)
			}
		}

		// No writes: every sampled transaction stays uncategorized.
		tx, err := repo.GetTransaction(ctx, tenantID, result.Matches[0].TransactionID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.CategoryID != "" {
			t.Errorf("harness must not categorize, got %q", tx.CategoryID)
		}
	})

	t.Run("LimitCapped", func(t *testing.T) {
		result, err := h.Test(ctx, tenantID, domain.Conditions{
			TransactionType: domain.TransactionTypeExpense,
		}, 10000)
		if err != nil {
			t.Fatalf("Test failed: %v", err)
		}
		if result.SampleSize != 20 {
			t.Errorf("expected sample capped at 20, got %d", result.SampleSize)
		}
	})

	t.Run("ZeroLimitUsesCap", func(t *testing.T) {
		result, err := h.Test(ctx, tenantID, domain.Conditions{
			TransactionType: domain.TransactionTypeExpense,
		}, 0)
		if err != nil {
			t.Fatalf("Test failed: %v", err)
		}
		if result.SampleSize != 20 {
			t.Errorf("expected cap as default, got %d", result.SampleSize)
		}
	})

	t.Run("NewestFirstOrder", func(t *testing.T) {
		result, err := h.Test(ctx, tenantID, domain.Conditions{
			TransactionType: domain.TransactionTypeExpense,
		}, 5)
		if err != nil {
			t.Fatalf("Test failed: %v", err)
		}
		if len(result.Matches) != 5 {
			t.Fatalf("expected 5 matches, got %d", len(result.Matches))
		}
		if result.Matches[0].TransactionID != "tx-029" {
			t.Errorf("expected newest transaction first, got %s", result.Matches[0].TransactionID)
		}
	})

	t.Run("InvalidConditionsFailEagerly", func(t *testing.T) {
		_, err := h.Test(ctx, tenantID, domain.Conditions{
			MerchantRegex: "(unclosed",
		}, 10)
		if !domain.IsValidation(err) {
			t.Errorf("expected validation error, got: %v", err)
		}
	})

	t.Run("EmptyConditionsRejected", func(t *testing.T) {
		_, err := h.Test(ctx, tenantID, domain.Conditions{}, 10)
		if !domain.IsValidation(err) {
			t.Errorf("expected validation error, got: %v", err)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := h.Test(cancelled, tenantID, domain.Conditions{
			TransactionType: domain.TransactionTypeExpense,
		}, 10)
		if err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}
