// Benchmark tool for testing Kestrel rule sets against labeled transaction data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labeled transaction data (merchant, amount, expected category)
//   2. Ingests each transaction into Kestrel and applies the tenant's rules
//   3. Compares the assigned category with the expected label
//   4. Calculates coverage, accuracy, and per-outcome counts
//
// The CSV needs a header row with at least: merchant, type, amount_cents,
// expected_category. Optional columns: description, account_type, currency.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledTransaction is a row from the benchmark dataset.
type LabeledTransaction struct {
	Merchant         string
	Description      string
	Type             string
	AmountCents      int64
	AccountType      string
	Currency         string
	ExpectedCategory string
}

// IngestRequest is the Kestrel transaction ingestion payload.
type IngestRequest struct {
	AccountID   string `json:"accountId,omitempty"`
	AccountType string `json:"accountType,omitempty"`
	Merchant    string `json:"merchant"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency,omitempty"`
}

// ApplyRequest is the Kestrel bulk-apply payload.
type ApplyRequest struct {
	TransactionIDs []string `json:"transaction_ids"`
}

// ApplyOutcome mirrors one entry of the Kestrel application manifest.
type ApplyOutcome struct {
	TransactionID string  `json:"transactionId"`
	Status        string  `json:"status"`
	CategoryID    string  `json:"categoryId,omitempty"`
	MatchScore    float64 `json:"matchScore,omitempty"`
}

// ApplyManifest mirrors the Kestrel bulk-apply response.
type ApplyManifest struct {
	Applied     []ApplyOutcome `json:"applied"`
	NoMatch     []ApplyOutcome `json:"noMatch"`
	NeedsReview []ApplyOutcome `json:"needsReview"`
	Failed      []ApplyOutcome `json:"failed"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	Correct       int64 // Categorized with the expected category
	Miscategorize int64 // Categorized with a different category
	Uncategorized int64 // No rule matched
	NeedsReview   int64 // Matched below the confidence threshold
	TotalErrors   int64

	TotalProcessed   int64
	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled transaction CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        KESTREL BENCHMARK - Rule Categorization Accuracy       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading labeled transactions from %s...\n", *csvPath)
	transactions, err := readLabeledCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	categories := map[string]int{}
	for _, tx := range transactions {
		categories[tx.ExpectedCategory]++
	}
	fmt.Printf("  - Distinct expected categories: %d\n", len(categories))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readLabeledCSV(path string, limit int) ([]LabeledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"merchant", "type", "amount_cents", "expected_category"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	get := func(record []string, col string) string {
		idx, ok := colIndex[col]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	var transactions []LabeledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amountCents, err := strconv.ParseInt(get(record, "amount_cents"), 10, 64)
		if err != nil {
			continue
		}

		transactions = append(transactions, LabeledTransaction{
			Merchant:         get(record, "merchant"),
			Description:      get(record, "description"),
			Type:             get(record, "type"),
			AmountCents:      amountCents,
			AccountType:      get(record, "account_type"),
			Currency:         get(record, "currency"),
			ExpectedCategory: get(record, "expected_category"),
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runBenchmark(transactions []LabeledTransaction, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				outcome, err := categorizeTransaction(client, baseURL, tenantID, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.Merchant, err)
					}
					continue
				}

				switch {
				case outcome.Status == "applied" && outcome.CategoryID == tx.ExpectedCategory:
					atomic.AddInt64(&metrics.Correct, 1)
				case outcome.Status == "applied":
					atomic.AddInt64(&metrics.Miscategorize, 1)
				case outcome.Status == "needs_review":
					atomic.AddInt64(&metrics.NeedsReview, 1)
				default:
					atomic.AddInt64(&metrics.Uncategorized, 1)
				}

				if verbose {
					status := "✓"
					if outcome.Status != "applied" || outcome.CategoryID != tx.ExpectedCategory {
						status = "✗"
					}
					merchant := tx.Merchant
					if len(merchant) > 24 {
						merchant = merchant[:24]
					}
					fmt.Printf("%s %-24s | Amount: %10d | Expected: %-16s | Got: %-16s (%s, score %.2f)\n",
						status,
						merchant,
						tx.AmountCents,
						tx.ExpectedCategory,
						outcome.CategoryID,
						outcome.Status,
						outcome.MatchScore,
					)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()

	return metrics
}

// categorizeTransaction ingests one transaction and applies the tenant's
// rules to it, returning the single manifest outcome.
func categorizeTransaction(client *http.Client, baseURL, tenantID string, tx LabeledTransaction) (*ApplyOutcome, error) {
	currency := tx.Currency
	if currency == "" {
		currency = "USD"
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := postJSON(client, baseURL+"/transactions", tenantID, IngestRequest{
		AccountType: tx.AccountType,
		Merchant:    tx.Merchant,
		Description: tx.Description,
		Type:        tx.Type,
		AmountCents: tx.AmountCents,
		Currency:    currency,
	}, http.StatusCreated, &created); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	var manifest ApplyManifest
	if err := postJSON(client, baseURL+"/rules/apply", tenantID, ApplyRequest{
		TransactionIDs: []string{created.ID},
	}, http.StatusOK, &manifest); err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}

	for _, bucket := range [][]ApplyOutcome{manifest.Applied, manifest.NoMatch, manifest.NeedsReview, manifest.Failed} {
		for _, outcome := range bucket {
			if outcome.TransactionID == created.ID {
				return &outcome, nil
			}
		}
	}
	return nil, fmt.Errorf("transaction %s missing from manifest", created.ID)
}

func postJSON(client *http.Client, url, tenantID string, payload any, wantStatus int, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 OUTCOMES\n")
	fmt.Printf("   Correct:          %d\n", m.Correct)
	fmt.Printf("   Miscategorized:   %d\n", m.Miscategorize)
	fmt.Printf("   Needs Review:     %d\n", m.NeedsReview)
	fmt.Printf("   Uncategorized:    %d\n", m.Uncategorized)

	categorized := m.Correct + m.Miscategorize
	scored := categorized + m.NeedsReview + m.Uncategorized

	coverage := float64(0)
	if scored > 0 {
		coverage = float64(categorized) / float64(scored)
	}
	accuracy := float64(0)
	if categorized > 0 {
		accuracy = float64(m.Correct) / float64(categorized)
	}

	fmt.Printf("\n🎯 CATEGORIZATION METRICS\n")
	fmt.Printf("   Coverage:   %.4f  (of transactions, how many got a category)\n", coverage)
	fmt.Printf("   Accuracy:   %.4f  (of categorized, how many matched the label)\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	switch {
	case coverage >= 0.9:
		fmt.Println("   ✅ Excellent coverage - rules reach most transactions")
	case coverage >= 0.7:
		fmt.Println("   ⚠️  Good coverage - some transactions left uncategorized")
	default:
		fmt.Println("   ❌ Low coverage - most transactions have no matching rule")
	}

	switch {
	case accuracy >= 0.9:
		fmt.Println("   ✅ Excellent accuracy - rules assign the right categories")
	case accuracy >= 0.7:
		fmt.Println("   ⚠️  Moderate accuracy - review rule priorities and conditions")
	default:
		fmt.Println("   ❌ Low accuracy - rules are assigning wrong categories")
	}

	fmt.Println()
}
