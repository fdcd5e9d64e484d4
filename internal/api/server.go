// Package api is the HTTP surface of nodeflow: workflow management, trigger
// endpoints, run queries and the live status streams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultTokenTTL is the lifetime of a status subscription token.
const DefaultTokenTTL = 15 * time.Minute

// Enqueuer accepts trigger events for background execution.
// Satisfied by *engine.TriggerQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev schema.TriggerEvent) (string, error)
}

// ScheduleReloader is notified after workflows change. Satisfied by
// *scheduler.Scheduler.
type ScheduleReloader interface {
	Reload(ctx context.Context) (int, error)
}

// Deps holds the dependencies of the API server. Store, Queue, Registry, Hub
// and Tokens are required.
type Deps struct {
	Store     store.Store
	Queue     Enqueuer
	Registry  *nodes.Registry
	Hub       streaming.Hub
	Tokens    *streaming.TokenIssuer
	TokenTTL  time.Duration
	Scheduler ScheduleReloader
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server serves the nodeflow HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = DefaultTokenTTL
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps, logger: logging.OrDefault(deps.Logger)}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)

	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/execute", s.handleExecuteWorkflow)

	mux.HandleFunc("POST /webhooks/{workflowId}", s.handleWebhook)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/nodes", s.handleRunNodes)

	mux.HandleFunc("POST /api/realtime/{category}/token", s.handleIssueToken)
	mux.HandleFunc("GET /sse/status", s.handleSSEStatus)
	mux.HandleFunc("GET /ws/status", s.handleWSStatus)

	return s.recoverer(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

// recoverer turns a handler panic into a 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "handler panic",
					slog.String("path", r.URL.Path), slog.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
