// Package api serves the daemon's HTTP control surface: client request
// intake, node and task inspection, container plug management, swarm
// stats and Prometheus metrics. The node link's WebSocket endpoint is
// mounted on the same listener, so one port carries both the client
// API and swarm traffic.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stc-ai/stc-swarm/core/sched"
	"github.com/stc-ai/stc-swarm/core/sched/trust"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr           string        `json:"addr"`
	RequestTimeout time.Duration `json:"request_timeout"`
	ShutdownGrace  time.Duration `json:"shutdown_grace"`
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		RequestTimeout: 30 * time.Second,
		ShutdownGrace:  10 * time.Second,
	}
}

// Server exposes the scheduler over HTTP. Handlers call straight into
// the components; no state lives here beyond the listener itself.
type Server struct {
	config Config

	coord      *sched.Coordinator
	registry   *sched.Registry
	catalog    *sched.Catalog
	dispatcher *sched.Dispatcher
	aggregator *sched.Aggregator
	trust      *trust.Manager

	// WebSocket upgrade endpoint for joining nodes; nil when the daemon
	// runs without swarm connectivity
	link http.Handler

	metrics prometheus.Gatherer
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	started    bool
	stateMu    sync.Mutex
}

// NewServer wires the HTTP surface. The link and metrics gatherer may
// be nil; their routes are simply not mounted.
func NewServer(
	config Config,
	coord *sched.Coordinator,
	registry *sched.Registry,
	catalog *sched.Catalog,
	dispatcher *sched.Dispatcher,
	aggregator *sched.Aggregator,
	trustMgr *trust.Manager,
	link http.Handler,
	metrics prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = defaults.ShutdownGrace
	}

	return &Server{
		config:     config,
		coord:      coord,
		registry:   registry,
		catalog:    catalog,
		dispatcher: dispatcher,
		aggregator: aggregator,
		trust:      trustMgr,
		link:       link,
		metrics:    metrics,
		logger:     logger.With("component", "api"),
	}
}

// Router builds the root router and mounts the versioned API under
// /api/v1, the metrics endpoint and the node link upgrade endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error:   "not_found",
			Message: "Use a versioned path like /api/v1/...",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Error:   "method_not_allowed",
			Message: "method not allowed for this route",
		})
	})

	r.Get("/health", s.handleHealth)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	// Joining nodes dial ws://<host>/swarm/v1/link?node_id=<id>
	if s.link != nil {
		r.Handle("/swarm/v1/link", s.link)
	}

	r.Route("/api", func(api chi.Router) {
		api.Mount("/v1", s.v1Router())
	})

	return r
}

func (s *Server) v1Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/requests", s.handleClientRequest)
	r.Get("/stats", s.handleStats)
	r.Get("/candidates", s.handleCandidates)

	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.handleListNodes)
		r.Post("/enroll", s.handleEnrollNode)
		r.Route("/{nodeID}", func(r chi.Router) {
			r.Get("/", s.handleGetNode)
			r.Post("/allow", s.handleAllowNode)
			r.Delete("/", s.handleRemoveNode)
		})
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleSubmitTask)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Get("/outcome", s.handleTaskOutcome)
		})
	})

	r.Post("/results", s.handleSubmitResult)

	r.Route("/containers", func(r chi.Router) {
		r.Get("/", s.handleListContainers)
		r.Route("/{containerID}", func(r chi.Router) {
			r.Get("/", s.handleGetContainer)
			r.Post("/attach", s.plugHandler("attach", s.catalog.Attach))
			r.Post("/detach", s.plugHandler("detach", s.catalog.Detach))
			r.Post("/activate", s.plugHandler("activate", s.catalog.Activate))
			r.Post("/deactivate", s.plugHandler("deactivate", s.catalog.Deactivate))
		})
	})

	return r
}

// Start binds the listener and serves in the background. Bind errors
// surface here rather than from the serve goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.started {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return sched.ErrBadConfig("api listen address", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped unexpectedly", "error", err)
		}
	}()

	s.started = true
	s.logger.Info("api server listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests within the shutdown grace period.
func (s *Server) Stop() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.logger.Info("api server stopped")
	return err
}

// Addr returns the bound listen address, useful when the configured
// address requested an ephemeral port.
func (s *Server) Addr() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

type healthReply struct {
	Status        string  `json:"status"`
	NodeID        string  `json:"node_id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthReply{
		Status:        "ok",
		NodeID:        s.coord.Self().NodeID,
		UptimeSeconds: s.coord.Uptime().Seconds(),
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps scheduler error codes onto HTTP statuses; anything
// unrecognized is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var se *sched.SchedError
	if errors.As(err, &se) {
		writeJSON(w, statusForCode(se.Code), errorBody{
			Error:   se.Code,
			Message: se.Message,
			Context: se.Context,
		})
		return
	}
	s.logger.Error("unclassified handler error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:   "internal",
		Message: err.Error(),
	})
}

func statusForCode(code string) int {
	switch code {
	case sched.ErrCodeNodeNotFound, sched.ErrCodeTaskNotFound, sched.ErrCodeContainerUnknown:
		return http.StatusNotFound
	case sched.ErrCodeClaimConflict, sched.ErrCodeDuplicateResult,
		sched.ErrCodeLeaseExpired, sched.ErrCodeVRAMExceeded:
		return http.StatusConflict
	case sched.ErrCodeNotEnrolled:
		return http.StatusUnauthorized
	case sched.ErrCodeNodeQuarantined:
		return http.StatusForbidden
	case sched.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case sched.ErrCodeDigestMismatch, sched.ErrCodeQuorumNotReached:
		return http.StatusUnprocessableEntity
	case sched.ErrCodeBadConfig:
		return http.StatusBadRequest
	case sched.ErrCodeNoCandidates, sched.ErrCodeOverloaded, sched.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case sched.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// requestLogger logs each request through the daemon's slog handler so
// API traffic lands in the same stream as component logs.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
