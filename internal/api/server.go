// Package api provides the HTTP control plane: orchestration endpoints,
// the file-editor surface, SSE streaming, and the tool bridge mount.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/ensemble-ai/ensemble/internal/bridge"
	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/diagnostics"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/logging"
	"github.com/ensemble-ai/ensemble/internal/service"
)

// Server wires the engine's HTTP surface.
type Server struct {
	router    chi.Router
	scheduler *service.Scheduler
	registry  *service.Registry
	hub       *events.Hub
	editors   *service.EditorService
	bridge    *bridge.Bridge
	store     core.Store
	monitor   *diagnostics.Monitor
	logger    *logging.Logger
	defaults  Defaults
}

// Defaults carries request-independent knobs the handlers need.
type Defaults struct {
	GitRepo       string // fallback repo for single-block patterns
	InternalToken string
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMonitor sets the resource monitor for deep health checks.
func WithMonitor(monitor *diagnostics.Monitor) ServerOption {
	return func(s *Server) { s.monitor = monitor }
}

// WithDefaults sets handler defaults.
func WithDefaults(d Defaults) ServerOption {
	return func(s *Server) { s.defaults = d }
}

// NewServer creates the API server.
func NewServer(scheduler *service.Scheduler, registry *service.Registry, hub *events.Hub,
	editors *service.EditorService, toolBridge *bridge.Bridge, store core.Store, opts ...ServerOption) *Server {
	s := &Server{
		scheduler: scheduler,
		registry:  registry,
		hub:       hub,
		editors:   editors,
		bridge:    toolBridge,
		store:     store,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With", "X-User-ID", "X-Internal-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/health/deep", s.handleDeepHealth)

	r.Route("/api/orchestration", func(r chi.Router) {
		r.Post("/execute-design", s.handleExecuteDesign)
		r.Post("/execute-design/stream", s.handleExecuteDesignStream)
		r.Post("/cancel", s.handleCancel)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/{executionID}/log", s.handleExecutionLog)
		r.Get("/{executionID}/events", s.handleExecutionEvents)
		r.Post("/{pattern}/stream", s.handlePatternStream)
	})

	r.Route("/api/file-editor", func(r chi.Router) {
		r.Post("/browse", s.handleBrowse)
		r.Post("/tree", s.handleTree)
		r.Post("/read", s.handleRead)
		r.Post("/create-change", s.handleCreateChange)
		r.Post("/changes", s.handleChanges)
		r.Post("/approve", s.handleApprove)
		r.Post("/reject", s.handleReject)
		r.Post("/rollback", s.handleRollback)
		r.Post("/search", s.handleSearch)
		r.Post("/find-files", s.handleFindFiles)
	})

	// Tool bridge transport (consumed by the LLM SDK).
	s.bridge.Routes(r)

	r.Post("/admin/clear-caches", s.handleClearCaches)

	return r
}

// identity extracts the caller identity. Authentication itself is an
// external collaborator; the engine trusts the forwarded user header
// and verifies the internal service token.
func (s *Server) identity(r *http.Request) service.Identity {
	return service.Identity{
		UserID:   r.Header.Get("X-User-ID"),
		Internal: s.defaults.InternalToken != "" && r.Header.Get("X-Internal-Token") == s.defaults.InternalToken,
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// DeepHealthResponse contains detailed health information.
type DeepHealthResponse struct {
	Status    string                        `json:"status"`
	Time      string                        `json:"time"`
	Resources *diagnostics.ResourceSnapshot `json:"resources,omitempty"`
	Warnings  []diagnostics.HealthWarning   `json:"warnings,omitempty"`
	Running   int                           `json:"running_executions"`
}

func (s *Server) handleDeepHealth(w http.ResponseWriter, _ *http.Request) {
	resp := DeepHealthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
	}

	running := 0
	for _, e := range s.registry.List() {
		if !e.Status.IsTerminal() {
			running++
		}
	}
	resp.Running = running

	if s.monitor != nil {
		snap := s.monitor.TakeSnapshot()
		resp.Resources = &snap
		resp.Warnings = s.monitor.CheckHealth()
		for _, warn := range resp.Warnings {
			if warn.Level == "critical" {
				resp.Status = "critical"
				break
			}
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearCaches(w http.ResponseWriter, _ *http.Request) {
	s.editors.ClearCaches()
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// ListenAndServe starts the HTTP server with graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	return srv.ListenAndServe()
}
