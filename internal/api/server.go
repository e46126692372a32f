// Package api assembles the HTTP router: middleware chain, route table and
// server lifecycle.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/langorch/backend/internal/config"
	"github.com/langorch/backend/internal/handlers"
	"github.com/langorch/backend/internal/middleware"
	"github.com/langorch/backend/internal/monitoring"
	"github.com/langorch/backend/internal/multitenancy"
)

// HealthReporter surfaces outbound dependency health on /healthz.
// Satisfied by *providers.Registry.
type HealthReporter interface {
	BreakerHealth() (string, map[string]string)
}

// Handlers bundles the endpoint groups the server routes to.
type Handlers struct {
	Documents *handlers.DocumentsHandler
	LLM       *handlers.LLMHandler
	Workflows *handlers.WorkflowsHandler
	Sessions  *handlers.SessionsHandler
	HITL      *handlers.HITLHandler
	Settings  *handlers.SettingsHandler
	Health    HealthReporter
}

// Server owns the router and the underlying http.Server.
type Server struct {
	cfg     config.ServerConfig
	tenants *multitenancy.TenantManager
	limiter *middleware.RateLimiter
	router  *mux.Router
	srv     *http.Server
	health  HealthReporter
}

// NewServer builds the full route table. Every /api/v1 route runs through
// metrics, tenant resolution and the per-tenant rate limit, in that order.
func NewServer(cfg config.ServerConfig, tm *multitenancy.TenantManager, rl *middleware.RateLimiter, h Handlers) *Server {
	s := &Server{
		cfg:     cfg,
		tenants: tm,
		limiter: rl,
		router:  mux.NewRouter(),
		health:  h.Health,
	}
	s.routes(h)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// protected wraps a handler in the standard middleware chain for one route.
func (s *Server) protected(route string, fn http.HandlerFunc) http.HandlerFunc {
	return monitoring.Instrument(route, middleware.TenantMiddleware(s.tenants, s.limiter.Middleware(fn)))
}

func (s *Server) routes(h Handlers) {
	s.router.Use(s.cors)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", monitoring.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Documents
	v1.HandleFunc("/documents/upload", s.protected("documents.upload", h.Documents.Upload)).Methods(http.MethodPost)
	v1.HandleFunc("/documents", s.protected("documents.list", h.Documents.List)).Methods(http.MethodGet)
	v1.HandleFunc("/documents/search", s.protected("documents.search", h.Documents.Search)).Methods(http.MethodPost)
	v1.HandleFunc("/documents/{id}", s.protected("documents.get", h.Documents.Get)).Methods(http.MethodGet)
	v1.HandleFunc("/documents/{id}", s.protected("documents.delete", h.Documents.Delete)).Methods(http.MethodDelete)
	v1.HandleFunc("/documents/{id}/chunks", s.protected("documents.chunks", h.Documents.Chunks)).Methods(http.MethodGet)

	// LLM operations
	v1.HandleFunc("/llm/documents/summarize", s.protected("llm.summarize", h.LLM.Summarize)).Methods(http.MethodPost)
	v1.HandleFunc("/llm/documents/ask", s.protected("llm.ask", h.LLM.Ask)).Methods(http.MethodPost)
	v1.HandleFunc("/llm/documents/transform", s.protected("llm.transform", h.LLM.Transform)).Methods(http.MethodPost)
	v1.HandleFunc("/llm/documents/{id}/summarize/latest", s.protected("llm.summary_latest", h.LLM.LatestSummary)).Methods(http.MethodGet)
	v1.HandleFunc("/llm/operations", s.protected("llm.operations_list", h.LLM.ListOperations)).Methods(http.MethodGet)
	v1.HandleFunc("/llm/operations/{id}", s.protected("llm.operation_get", h.LLM.GetOperation)).Methods(http.MethodGet)
	v1.HandleFunc("/llm/operations/{id}", s.protected("llm.operation_cancel", h.LLM.CancelOperation)).Methods(http.MethodDelete)

	// Workflows
	v1.HandleFunc("/workflows/execute", s.protected("workflows.execute", h.Workflows.Execute)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/execute/stream", s.protected("workflows.stream", h.Workflows.Stream)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/resume", s.protected("workflows.resume_session", h.Workflows.ResumeSession)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/executions/{id}", s.protected("workflows.execution_get", h.Workflows.GetExecution)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/executions/{id}/resume", s.protected("workflows.resume", h.Workflows.Resume)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/definitions", s.protected("workflows.definition_create", h.Workflows.CreateDefinition)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/definitions", s.protected("workflows.definitions_list", h.Workflows.ListDefinitions)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/definitions/{id}", s.protected("workflows.definition_get", h.Workflows.GetDefinition)).Methods(http.MethodGet)

	// Sessions. CRUD and history live under the workflow surface, the
	// retrieval context routes keep the short prefix.
	v1.HandleFunc("/workflows/sessions", s.protected("sessions.create", h.Sessions.Create)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/sessions", s.protected("sessions.list", h.Sessions.List)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/sessions/{id}", s.protected("sessions.get", h.Sessions.Get)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/sessions/{id}/messages", s.protected("sessions.messages", h.Sessions.Messages)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/sessions/{id}/messages", s.protected("sessions.post_message", h.Sessions.PostMessage)).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/mode", s.protected("sessions.set_mode", h.Sessions.SetMode)).Methods(http.MethodPut)
	v1.HandleFunc("/sessions/{id}/documents", s.protected("sessions.add_document", h.Sessions.AddDocument)).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/documents", s.protected("sessions.list_documents", h.Sessions.ListDocuments)).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/documents/{doc_id}", s.protected("sessions.remove_document", h.Sessions.RemoveDocument)).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/context", s.protected("sessions.context", h.Sessions.GetContext)).Methods(http.MethodGet)

	// Human approvals
	v1.HandleFunc("/hitl/approvals", s.protected("hitl.list", h.HITL.ListApprovals)).Methods(http.MethodGet)
	v1.HandleFunc("/hitl/approvals/pending", s.protected("hitl.pending", h.HITL.ListPending)).Methods(http.MethodGet)
	v1.HandleFunc("/hitl/approvals/{id}", s.protected("hitl.get", h.HITL.GetApproval)).Methods(http.MethodGet)
	v1.HandleFunc("/hitl/approvals/{id}/respond", s.protected("hitl.respond", h.HITL.Respond)).Methods(http.MethodPost)

	// Tenant settings
	v1.HandleFunc("/settings/embedding-provider", s.protected("settings.embedding_get", h.Settings.GetEmbeddingProvider)).Methods(http.MethodGet)
	v1.HandleFunc("/settings/embedding-provider", s.protected("settings.embedding_put", h.Settings.PutEmbeddingProvider)).Methods(http.MethodPut)
	v1.HandleFunc("/settings/llm-provider", s.protected("settings.chat_get", h.Settings.GetChatProvider)).Methods(http.MethodGet)
	v1.HandleFunc("/settings/llm-provider", s.protected("settings.chat_put", h.Settings.PutChatProvider)).Methods(http.MethodPut)
	v1.HandleFunc("/settings/secrets/{path:.+}", s.protected("settings.secret_put", h.Settings.PutSecret)).Methods(http.MethodPut)
	v1.HandleFunc("/settings/secrets/{path:.+}", s.protected("settings.secret_delete", h.Settings.DeleteSecret)).Methods(http.MethodDelete)
	v1.HandleFunc("/settings/embedding-provider/test", s.protected("settings.embedding_test", h.Settings.TestEmbedding)).Methods(http.MethodPost)
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-User-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports liveness plus the provider circuit breaker states.
// An open breaker degrades the response to 503 so load balancers can shed
// traffic while an upstream is down.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{"status": "ok"}
	if s.health != nil {
		status, breakers := s.health.BreakerHealth()
		body["providers"] = breakers
		if status == "degraded" {
			body["status"] = status
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	json.NewEncoder(w).Encode(body)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.cfg.Addr, "env", s.cfg.Env)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
