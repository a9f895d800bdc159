package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/apply"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/harness"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
	"github.com/opensource-finance/kestrel/internal/template"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	registry *rules.Registry
	applier  *apply.Applier
	tracker  *stats.Tracker
	expander *template.Expander
	harness  *harness.Harness
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, registry *rules.Registry, applier *apply.Applier, tracker *stats.Tracker, expander *template.Expander, h *harness.Harness, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		registry: registry,
		applier:  applier,
		tracker:  tracker,
		expander: expander,
		harness:  h,
		version:  version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ingestEvent is the payload published on transaction ingestion.
type ingestEvent struct {
	TransactionID string `json:"transactionId"`
	TenantID      string `json:"tenantId"`
}

// IngestTransaction handles POST /transactions.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Type != domain.TransactionTypeIncome && req.Type != domain.TransactionTypeExpense {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type must be income or expense",
		})
		return
	}
	if req.Merchant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "merchant is required",
		})
		return
	}

	tx := req.ToTransaction(tenantID, uuid.New().String())

	if err := h.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		slog.Error("failed to save transaction", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	payload, _ := json.Marshal(ingestEvent{TransactionID: tx.ID, TenantID: tenantID})
	if err := h.bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, payload); err != nil {
		slog.Warn("failed to publish ingest event",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// SetCategoryRequest is the request body for manual category assignment.
type SetCategoryRequest struct {
	CategoryID string `json:"category_id"`
}

// SetTransactionCategory handles PUT /transactions/{id}/category. This is
// the manual path: confirming a needs_review item or correcting an
// assignment by hand.
func (h *Handler) SetTransactionCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	var req SetCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.CategoryID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "category_id is required",
		})
		return
	}

	if err := h.repo.SetTransactionCategory(ctx, tenantID, txID, req.CategoryID); err != nil {
		writeError(w, err)
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListRules returns the tenant's rules, filtered and paged.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	filter := domain.RuleFilter{
		Status: domain.RuleStatus(r.URL.Query().Get("status")),
		Query:  r.URL.Query().Get("q"),
	}
	filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filter.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))

	page, err := h.repo.ListRules(ctx, tenantID, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Conditions  json.RawMessage `json:"conditions"`
	Action      domain.Action   `json:"action"`
	Status      string          `json:"status,omitempty"`
}

// CreateRule creates a new rule. Active rules take effect immediately.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	conditions, err := domain.ParseConditions(req.Conditions)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	status := domain.RuleStatusDraft
	if req.Status != "" {
		status = domain.RuleStatus(req.Status)
	}

	now := time.Now().UTC()
	rule := &domain.Rule{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		Conditions:  conditions,
		Action:      req.Action,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := rules.ValidateRule(rule); err != nil {
		writeError(w, err)
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.Load(tenantID, rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule created",
		"rule_id", rule.ID,
		"tenant_id", tenantID,
		"status", rule.Status,
	)
	writeJSON(w, http.StatusCreated, rule)
}

// ruleResponse decorates a rule with its derived success rate.
type ruleResponse struct {
	*domain.Rule
	SuccessRate float64 `json:"successRate"`
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ruleResponse{Rule: rule, SuccessRate: rule.SuccessRate()})
}

// PatchRule applies a partial update to a rule. Usage counters are never
// touched by updates.
func (h *Handler) PatchRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	var patch domain.RulePatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return
	}

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}

	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if patch.Priority != nil {
		rule.Priority = *patch.Priority
	}
	if patch.Conditions != nil {
		rule.Conditions = *patch.Conditions
	}
	if patch.Action != nil {
		rule.Action = *patch.Action
	}
	if patch.Status != nil {
		rule.Status = *patch.Status
	}
	rule.UpdatedAt = time.Now().UTC()

	if err := rules.ValidateRule(rule); err != nil {
		writeError(w, err)
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.Load(tenantID, rule); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule removes a rule permanently. The rule stops matching before
// the response is written; past applications keep their category.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if err := h.repo.DeleteRule(ctx, tenantID, ruleID); err != nil {
		writeError(w, err)
		return
	}
	h.registry.Remove(tenantID, ruleID)

	slog.Info("rule deleted", "rule_id", ruleID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ActivateRule transitions a rule to active.
func (h *Handler) ActivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleStatus(w, r, domain.RuleStatusActive)
}

// DeactivateRule transitions a rule to inactive, keeping its history.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleStatus(w, r, domain.RuleStatusInactive)
}

func (h *Handler) setRuleStatus(w http.ResponseWriter, r *http.Request, status domain.RuleStatus) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}

	rule.Status = status
	rule.UpdatedAt = time.Now().UTC()

	if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.Load(tenantID, rule); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// FeedbackRequest is the request body for rule feedback.
type FeedbackRequest struct {
	Success *bool `json:"success"`
}

// RecordFeedback handles POST /rules/{id}/feedback.
func (h *Handler) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Success == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "success (boolean) is required",
		})
		return
	}

	if err := h.tracker.RecordFeedback(ctx, tenantID, ruleID, *req.Success); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ruleId":   ruleID,
		"recorded": true,
	})
}

// RuleMetrics handles GET /rules/{id}/metrics.
func (h *Handler) RuleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	metrics, err := h.tracker.Metrics(ctx, tenantID, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, metrics)
}

// GlobalMetrics handles GET /metrics.
func (h *Handler) GlobalMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	metrics, err := h.tracker.GlobalMetrics(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, metrics)
}

// TestConditionsRequest is the request body for POST /rules/test.
type TestConditionsRequest struct {
	Conditions json.RawMessage `json:"conditions"`
	Limit      int             `json:"limit,omitempty"`
}

// TestConditions dry-runs a condition set against recent transactions.
func (h *Handler) TestConditions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req TestConditionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	conditions, err := domain.ParseConditions(req.Conditions)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	result, err := h.harness.Test(ctx, tenantID, conditions, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ApplyRules handles POST /rules/apply.
func (h *Handler) ApplyRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req apply.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	manifest, err := h.applier.Apply(ctx, tenantID, req)
	if err != nil {
		// The client went away mid-batch; applied items stay applied.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, manifest)
}

// RuleExport is the portable export document for a tenant's rules.
type RuleExport struct {
	Version    string         `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Rules      []*domain.Rule `json:"rules"`
}

// ExportRules handles GET /rules/export.
func (h *Handler) ExportRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	export := RuleExport{
		Version:    h.version,
		ExportedAt: time.Now().UTC(),
	}

	for page := 1; ; page++ {
		batch, err := h.repo.ListRules(ctx, tenantID, domain.RuleFilter{Page: page, PerPage: 200})
		if err != nil {
			writeError(w, err)
			return
		}
		export.Rules = append(export.Rules, batch.Rules...)
		if len(export.Rules) >= batch.Total || len(batch.Rules) == 0 {
			break
		}
	}

	writeJSON(w, http.StatusOK, export)
}

// ImportRulesRequest is the request body for POST /rules/import.
type ImportRulesRequest struct {
	Rules []*domain.Rule `json:"rules"`
}

// ImportFailure reports one rule that could not be imported.
type ImportFailure struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

// ImportRules installs a batch of exported rules. Invalid items never
// abort the batch; each lands in either the imported count or the failed
// list.
func (h *Handler) ImportRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ImportRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Rules) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rules is required",
		})
		return
	}

	now := time.Now().UTC()
	imported := 0
	failed := make([]ImportFailure, 0)
	for i, rule := range req.Rules {
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		rule.TenantID = tenantID
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		rule.UpdatedAt = now

		err := rules.ValidateRule(rule)
		if err == nil {
			err = h.repo.SaveRule(ctx, tenantID, rule)
		}
		if err == nil {
			err = h.registry.Load(tenantID, rule)
		}
		if err != nil {
			failed = append(failed, ImportFailure{
				Index: i,
				ID:    rule.ID,
				Name:  rule.Name,
				Error: err.Error(),
			})
			continue
		}
		imported++
	}

	slog.Info("rules imported",
		"tenant_id", tenantID,
		"imported", imported,
		"failed", len(failed),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": imported,
		"failed":   failed,
	})
}

// ListTemplates handles GET /templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.repo.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"templates": templates,
		"count":     len(templates),
	})
}

// GetTemplate handles GET /templates/{id}.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.repo.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tpl)
}

// InstantiateTemplate handles POST /templates/{id}/instantiate.
func (h *Handler) InstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	templateID := chi.URLParam(r, "id")

	var custom domain.TemplateCustomization
	if err := json.NewDecoder(r.Body).Decode(&custom); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule, err := h.expander.Instantiate(ctx, tenantID, templateID, custom)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
