// Package api implements Switchboard's HTTP transport: inbound chat
// messages, the live event stream, and read-only views of runs, routing
// and service health.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/connwatch"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/router"
	"github.com/nugget/switchboard/internal/runlog"
	"github.com/nugget/switchboard/internal/usage"
)

// Dispatcher routes inbound messages. Satisfied by *router.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, in router.Inbound, sink router.Sink) error
}

// RouterIntrospector exposes routing statistics. Satisfied by *router.Router.
type RouterIntrospector interface {
	GetStats() router.Stats
	GetAuditLog(limit int) []router.Decision
}

// RunStore reads the run journal. Satisfied by *runlog.Store.
type RunStore interface {
	Recent(limit int) ([]runlog.Run, error)
	Get(runID string) (*runlog.Run, error)
}

// StepLister fetches run activity from the agent service.
type StepLister interface {
	ListRunSteps(ctx context.Context, threadID, runID string) ([]agentsvc.RunStep, error)
}

// HealthReporter summarizes watched services. Satisfied by *connwatch.Manager.
type HealthReporter interface {
	Status() []connwatch.ServiceStatus
	Healthy() bool
}

// UsageReporter aggregates the token ledger. Satisfied by *usage.Store.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByProvider(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Config wires the server's collaborators. Only Dispatcher is
// required; endpoints whose collaborator is nil answer 503.
type Config struct {
	Address string
	Port    int

	Dispatcher Dispatcher
	Router     RouterIntrospector
	Runs       RunStore
	Steps      StepLister
	Health     HealthReporter
	Usage      UsageReporter
	Events     *events.Bus
	RateLimit  config.RateLimitConfig

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	dispatcher Dispatcher
	router     RouterIntrospector
	runs       RunStore
	steps      StepLister
	health     HealthReporter
	usage      UsageReporter
	events     *events.Bus
	limiter    *senderLimiter
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates an API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    cfg.Address,
		port:       cfg.Port,
		dispatcher: cfg.Dispatcher,
		router:     cfg.Router,
		runs:       cfg.Runs,
		steps:      cfg.Steps,
		health:     cfg.Health,
		usage:      cfg.Usage,
		events:     cfg.Events,
		limiter:    newSenderLimiter(cfg.RateLimit),
		logger:     logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/runs", s.handleRunList)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("GET /v1/runs/{id}/steps", s.handleRunSteps)

	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: agent runs and the event stream are
		// bounded by their own contexts.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack supports the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here usually mean the client went away mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.RuntimeInfo())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	services := []connwatch.ServiceStatus{}
	if s.health != nil {
		services = s.health.Status()
		if !s.health.Healthy() {
			status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"uptime":   buildinfo.Uptime().String(),
		"services": services,
	})
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "run journal not configured")
		return
	}
	runs, err := s.runs.Recent(queryLimit(r, 20))
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(runs), "runs": runs})
}

// lookupRun writes an error response and returns nil when the run
// cannot be served.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) *runlog.Run {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "run journal not configured")
		return nil
	}
	run, err := s.runs.Get(r.PathValue("id"))
	if err != nil {
		s.logger.Error("get run failed", "run_id", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get run failed")
		return nil
	}
	if run == nil {
		s.errorResponse(w, http.StatusNotFound, "run not found")
		return nil
	}
	return run
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	if run := s.lookupRun(w, r); run != nil {
		s.writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	if s.steps == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent service not configured")
		return
	}
	run := s.lookupRun(w, r)
	if run == nil {
		return
	}
	steps, err := s.steps.ListRunSteps(r.Context(), run.ThreadID, run.RunID)
	if err != nil {
		if agentsvc.IsNotFound(err) {
			s.errorResponse(w, http.StatusNotFound, "run no longer exists on the agent service")
			return
		}
		s.logger.Error("list run steps failed", "run_id", run.RunID, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "list run steps: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": run.RunID, "count": len(steps), "steps": steps})
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, s.router.GetStats())
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	decisions := s.router.GetAuditLog(queryLimit(r, 20))
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(decisions), "decisions": decisions})
}

// handleUsage reports token totals over the trailing window given as a
// Go duration, for example ?window=1h. The default is 24h.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}
	window := 24 * time.Hour
	if q := r.URL.Query().Get("window"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}

	end := time.Now()
	start := end.Add(-window)
	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byProvider, err := s.usage.SummaryByProvider(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"window":      window.String(),
		"total":       total,
		"by_provider": byProvider,
	})
}
