package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensource-finance/kestrel/internal/apply"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/harness"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
	"github.com/opensource-finance/kestrel/internal/template"
)

// createTestServer wires a full server on in-memory backends.
func createTestServer(t *testing.T) (*Server, domain.Repository) {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	repo := repository.NewMemory()
	c := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(100)

	registry := rules.NewRegistry(repo)
	applier := apply.NewApplier(repo, registry, c, eventBus, 4)
	tracker := stats.NewTracker(repo, c)
	expander := template.NewExpander(repo, registry)
	h := harness.New(repo, 4, 100)

	if err := template.SeedDefaults(context.Background(), repo); err != nil {
		t.Fatalf("failed to seed templates: %v", err)
	}

	return NewServer(cfg, repo, c, eventBus, registry, applier, tracker, expander, h, "test-v1"), repo
}

// doRequest executes an HTTP request against the server router.
func doRequest(server *Server, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestTransactionEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("IngestTransaction", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/transactions", "tenant-001", domain.TransactionRequest{
			AccountID:   "acc-001",
			AccountType: "checking",
			Merchant:    "Starbucks #1234",
			Type:        domain.TransactionTypeExpense,
			AmountCents: -575,
			Currency:    "USD",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var tx domain.Transaction
		if err := json.Unmarshal(rr.Body.Bytes(), &tx); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if tx.ID == "" {
			t.Error("expected generated transaction ID")
		}
		if tx.TenantID != "tenant-001" {
			t.Errorf("expected tenantId tenant-001, got %s", tx.TenantID)
		}

		get := doRequest(server, http.MethodGet, "/transactions/"+tx.ID, "tenant-001", nil)
		if get.Code != http.StatusOK {
			t.Errorf("expected status 200 on fetch, got %d", get.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/transactions", "", map[string]string{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidType", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/transactions", "tenant-001", domain.TransactionRequest{
			Merchant:    "Somewhere",
			Type:        "transfer",
			AmountCents: 100,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBufferString("not-json"))
		req.Header.Set("X-Tenant-ID", "tenant-001")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TransactionNotFound", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/transactions/no-such-tx", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ManualCategoryAssignment", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/transactions", "tenant-001", domain.TransactionRequest{
			Merchant:    "Corner Deli",
			Type:        domain.TransactionTypeExpense,
			AmountCents: -1250,
		})
		var tx domain.Transaction
		json.Unmarshal(rr.Body.Bytes(), &tx)

		set := doRequest(server, http.MethodPut, "/transactions/"+tx.ID+"/category", "tenant-001", map[string]string{
			"category_id": "cat-dining",
		})
		if set.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", set.Code, set.Body.String())
		}

		get := doRequest(server, http.MethodGet, "/transactions/"+tx.ID, "tenant-001", nil)
		var fetched domain.Transaction
		json.Unmarshal(get.Body.Bytes(), &fetched)
		if fetched.CategoryID != "cat-dining" {
			t.Errorf("expected category cat-dining, got %q", fetched.CategoryID)
		}

		missing := doRequest(server, http.MethodPut, "/transactions/"+tx.ID+"/category", "tenant-001", map[string]string{})
		if missing.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without category_id, got %d", missing.Code)
		}

		notFound := doRequest(server, http.MethodPut, "/transactions/no-such-tx/category", "tenant-001", map[string]string{
			"category_id": "cat-dining",
		})
		if notFound.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", notFound.Code)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/transactions", "tenant-a", domain.TransactionRequest{
			Merchant:    "Isolated Store",
			Type:        domain.TransactionTypeExpense,
			AmountCents: -1000,
		})
		var tx domain.Transaction
		json.Unmarshal(rr.Body.Bytes(), &tx)

		get := doRequest(server, http.MethodGet, "/transactions/"+tx.ID, "tenant-b", nil)
		if get.Code != http.StatusNotFound {
			t.Errorf("expected 404 across tenants, got %d", get.Code)
		}
	})
}

func TestRuleLifecycle(t *testing.T) {
	server, _ := createTestServer(t)
	tenant := "tenant-rules"

	create := doRequest(server, http.MethodPost, "/rules", tenant, map[string]any{
		"name":     "Coffee shops",
		"priority": 50,
		"conditions": map[string]any{
			"merchant_contains": []string{"starbucks", "blue bottle"},
		},
		"action": map[string]any{
			"target_category_id": "cat-dining",
		},
		"status": "active",
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", create.Code, create.Body.String())
	}

	var rule domain.Rule
	if err := json.Unmarshal(create.Body.Bytes(), &rule); err != nil {
		t.Fatalf("failed to parse rule: %v", err)
	}
	if rule.ID == "" {
		t.Fatal("expected generated rule ID")
	}

	t.Run("GetIncludesSuccessRate", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/rules/"+rule.ID, tenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if _, ok := resp["successRate"]; !ok {
			t.Error("expected successRate in response")
		}
	})

	t.Run("ListRules", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/rules?status=active", tenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var page domain.PagedRules
		json.Unmarshal(rr.Body.Bytes(), &page)
		if page.Total != 1 {
			t.Errorf("expected 1 rule, got %d", page.Total)
		}
	})

	t.Run("PatchPriority", func(t *testing.T) {
		rr := doRequest(server, http.MethodPatch, "/rules/"+rule.ID, tenant, map[string]any{
			"priority": 10,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var patched domain.Rule
		json.Unmarshal(rr.Body.Bytes(), &patched)
		if patched.Priority != 10 {
			t.Errorf("expected priority 10, got %d", patched.Priority)
		}
		if patched.Name != "Coffee shops" {
			t.Errorf("expected name unchanged, got %s", patched.Name)
		}
	})

	t.Run("PatchUnknownFieldRejected", func(t *testing.T) {
		rr := doRequest(server, http.MethodPatch, "/rules/"+rule.ID, tenant, map[string]any{
			"nonsense": true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidConditionsRejected", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules", tenant, map[string]any{
			"name":     "Broken regex",
			"priority": 50,
			"conditions": map[string]any{
				"merchant_regex": "[invalid",
			},
			"action": map[string]any{"target_category_id": "cat-x"},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("DeactivateAndActivate", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/"+rule.ID+"/deactivate", tenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var updated domain.Rule
		json.Unmarshal(rr.Body.Bytes(), &updated)
		if updated.Status != domain.RuleStatusInactive {
			t.Errorf("expected status inactive, got %s", updated.Status)
		}

		rr = doRequest(server, http.MethodPost, "/rules/"+rule.ID+"/activate", tenant, nil)
		json.Unmarshal(rr.Body.Bytes(), &updated)
		if updated.Status != domain.RuleStatusActive {
			t.Errorf("expected status active, got %s", updated.Status)
		}
	})

	t.Run("FeedbackAndMetrics", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/"+rule.ID+"/feedback", tenant, map[string]bool{
			"success": true,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doRequest(server, http.MethodGet, "/rules/"+rule.ID+"/metrics", tenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var metrics domain.RuleMetrics
		json.Unmarshal(rr.Body.Bytes(), &metrics)
		if metrics.SuccessRate != 1.0 {
			t.Errorf("expected success rate 1.0, got %f", metrics.SuccessRate)
		}
	})

	t.Run("FeedbackMissingSuccess", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/"+rule.ID+"/feedback", tenant, map[string]string{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("DeleteRule", func(t *testing.T) {
		rr := doRequest(server, http.MethodDelete, "/rules/"+rule.ID, tenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doRequest(server, http.MethodGet, "/rules/"+rule.ID, tenant, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}

		rr = doRequest(server, http.MethodDelete, "/rules/"+rule.ID, tenant, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on double delete, got %d", rr.Code)
		}
	})
}

func TestApplyEndpoint(t *testing.T) {
	server, _ := createTestServer(t)
	tenant := "tenant-apply"

	create := doRequest(server, http.MethodPost, "/rules", tenant, map[string]any{
		"name":     "Coffee",
		"priority": 50,
		"conditions": map[string]any{
			"merchant_contains": []string{"starbucks"},
		},
		"action": map[string]any{"target_category_id": "cat-dining"},
		"status": "active",
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("failed to create rule: %d %s", create.Code, create.Body.String())
	}

	ingest := doRequest(server, http.MethodPost, "/transactions", tenant, domain.TransactionRequest{
		Merchant:    "STARBUCKS #5521",
		Type:        domain.TransactionTypeExpense,
		AmountCents: -575,
		Currency:    "USD",
	})
	var tx domain.Transaction
	json.Unmarshal(ingest.Body.Bytes(), &tx)

	t.Run("DryRun", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/apply", tenant, map[string]any{
			"transaction_ids": []string{tx.ID},
			"dry_run":         true,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var manifest domain.ApplicationManifest
		json.Unmarshal(rr.Body.Bytes(), &manifest)
		if !manifest.DryRun {
			t.Error("expected dryRun manifest")
		}
		if len(manifest.Applied) != 1 {
			t.Fatalf("expected 1 applied outcome, got %d", len(manifest.Applied))
		}

		get := doRequest(server, http.MethodGet, "/transactions/"+tx.ID, tenant, nil)
		var fetched domain.Transaction
		json.Unmarshal(get.Body.Bytes(), &fetched)
		if fetched.CategoryID != "" {
			t.Errorf("dry run must not assign categories, got %s", fetched.CategoryID)
		}
	})

	t.Run("Apply", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/apply", tenant, map[string]any{
			"transaction_ids": []string{tx.ID},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var manifest domain.ApplicationManifest
		json.Unmarshal(rr.Body.Bytes(), &manifest)
		if len(manifest.Applied) != 1 {
			t.Fatalf("expected 1 applied outcome, got %d", len(manifest.Applied))
		}

		get := doRequest(server, http.MethodGet, "/transactions/"+tx.ID, tenant, nil)
		var fetched domain.Transaction
		json.Unmarshal(get.Body.Bytes(), &fetched)
		if fetched.CategoryID != "cat-dining" {
			t.Errorf("expected category cat-dining, got %s", fetched.CategoryID)
		}
	})

	t.Run("EmptyBatchRejected", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/apply", tenant, map[string]any{
			"transaction_ids": []string{},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestTestEndpoint(t *testing.T) {
	server, _ := createTestServer(t)
	tenant := "tenant-test"

	for i := 0; i < 3; i++ {
		doRequest(server, http.MethodPost, "/transactions", tenant, domain.TransactionRequest{
			Merchant:    "Blue Bottle Coffee",
			Type:        domain.TransactionTypeExpense,
			AmountCents: -450,
		})
	}
	doRequest(server, http.MethodPost, "/transactions", tenant, domain.TransactionRequest{
		Merchant:    "Shell Gas",
		Type:        domain.TransactionTypeExpense,
		AmountCents: -4200,
	})

	t.Run("MatchesReported", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/test", tenant, map[string]any{
			"conditions": map[string]any{
				"merchant_contains": []string{"blue bottle"},
			},
			"limit": 50,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var result harness.Result
		json.Unmarshal(rr.Body.Bytes(), &result)
		if result.MatchCount != 3 {
			t.Errorf("expected 3 matches, got %d", result.MatchCount)
		}
		if result.SampleSize != 4 {
			t.Errorf("expected sample size 4, got %d", result.SampleSize)
		}
	})

	t.Run("EmptyConditionsRejected", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/test", tenant, map[string]any{
			"conditions": map[string]any{},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestTemplateEndpoints(t *testing.T) {
	server, _ := createTestServer(t)
	tenant := "tenant-tpl"

	t.Run("ListTemplates", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/templates", tenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Templates []*domain.Template `json:"templates"`
			Count     int                `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count == 0 {
			t.Error("expected seeded templates")
		}
	})

	t.Run("Instantiate", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/templates/tpl-coffee-shops/instantiate", tenant, map[string]any{
			"targetCategoryId":    "cat-coffee",
			"activateImmediately": true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var rule domain.Rule
		json.Unmarshal(rr.Body.Bytes(), &rule)
		if rule.Action.TargetCategoryID != "cat-coffee" {
			t.Errorf("expected category cat-coffee, got %s", rule.Action.TargetCategoryID)
		}
		if rule.Status != domain.RuleStatusActive {
			t.Errorf("expected active rule, got %s", rule.Status)
		}
	})

	t.Run("InstantiateMissingCategory", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/templates/tpl-coffee-shops/instantiate", tenant, map[string]any{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownTemplate", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/templates/tpl-nope/instantiate", tenant, map[string]any{
			"targetCategoryId": "cat-x",
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestExportImport(t *testing.T) {
	server, _ := createTestServer(t)

	create := doRequest(server, http.MethodPost, "/rules", "tenant-src", map[string]any{
		"name":     "Groceries",
		"priority": 60,
		"conditions": map[string]any{
			"merchant_contains": []string{"whole foods"},
		},
		"action": map[string]any{"target_category_id": "cat-groceries"},
		"status": "active",
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("failed to create rule: %d", create.Code)
	}

	export := doRequest(server, http.MethodGet, "/rules/export", "tenant-src", nil)
	if export.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", export.Code)
	}
	var doc RuleExport
	if err := json.Unmarshal(export.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to parse export: %v", err)
	}
	if len(doc.Rules) != 1 {
		t.Fatalf("expected 1 exported rule, got %d", len(doc.Rules))
	}

	imp := doRequest(server, http.MethodPost, "/rules/import", "tenant-dst", map[string]any{
		"rules": doc.Rules,
	})
	if imp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", imp.Code, imp.Body.String())
	}

	list := doRequest(server, http.MethodGet, "/rules", "tenant-dst", nil)
	var page domain.PagedRules
	json.Unmarshal(list.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected 1 imported rule, got %d", page.Total)
	}
	if len(page.Rules) == 1 && page.Rules[0].TenantID != "tenant-dst" {
		t.Errorf("expected imported rule rebound to tenant-dst, got %s", page.Rules[0].TenantID)
	}

	t.Run("EmptyImportRejected", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/import", "tenant-dst", map[string]any{
			"rules": []any{},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("PartialFailureReported", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/import", "tenant-mixed", map[string]any{
			"rules": []map[string]any{
				{
					"name":       "Valid rule",
					"priority":   10,
					"conditions": map[string]any{"merchant_contains": []string{"shell"}},
					"action":     map[string]any{"target_category_id": "cat-gas"},
					"status":     "active",
				},
				{
					"name":       "No action",
					"priority":   20,
					"conditions": map[string]any{"merchant_contains": []string{"hertz"}},
				},
			},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Imported int             `json:"imported"`
			Failed   []ImportFailure `json:"failed"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Imported != 1 {
			t.Errorf("expected 1 imported, got %d", resp.Imported)
		}
		if len(resp.Failed) != 1 || resp.Failed[0].Index != 1 {
			t.Fatalf("expected the invalid rule at index 1 in failed, got %+v", resp.Failed)
		}

		list := doRequest(server, http.MethodGet, "/rules", "tenant-mixed", nil)
		var page domain.PagedRules
		json.Unmarshal(list.Body.Bytes(), &page)
		if page.Total != 1 {
			t.Errorf("expected only the valid rule installed, got %d", page.Total)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
