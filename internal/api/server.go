package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/apply"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/harness"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
	"github.com/opensource-finance/kestrel/internal/template"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, registry *rules.Registry, applier *apply.Applier, tracker *stats.Tracker, expander *template.Expander, h *harness.Harness, version string) *Server {
	handler := NewHandler(repo, cache, bus, registry, applier, tracker, expander, h, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Transaction ingestion and retrieval
		r.Post("/transactions", handler.IngestTransaction)
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Put("/transactions/{id}/category", handler.SetTransactionCategory)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Get("/rules/export", handler.ExportRules)
		r.Post("/rules/import", handler.ImportRules)
		r.Post("/rules/test", handler.TestConditions)
		r.Post("/rules/apply", handler.ApplyRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Patch("/rules/{id}", handler.PatchRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/rules/{id}/activate", handler.ActivateRule)
		r.Post("/rules/{id}/deactivate", handler.DeactivateRule)
		r.Post("/rules/{id}/feedback", handler.RecordFeedback)
		r.Get("/rules/{id}/metrics", handler.RuleMetrics)

		// Tenant-wide effectiveness
		r.Get("/metrics", handler.GlobalMetrics)

		// Template catalog
		r.Get("/templates", handler.ListTemplates)
		r.Get("/templates/{id}", handler.GetTemplate)
		r.Post("/templates/{id}/instantiate", handler.InstantiateTemplate)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
