package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"callcoach-server/pkg/call"
	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/correlation"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/ratelimit"
	"callcoach-server/pkg/version"

	"github.com/sirupsen/logrus"
)

// CallManager is the part of call.Manager the HTTP layer drives.
type CallManager interface {
	Start(ctx context.Context, meta call.Metadata) (*call.Session, error)
	Get(callID string) (*call.Session, error)
	End(ctx context.Context, callID, reason string) (*coaching.CallCompletion, error)
	ActiveCount() int
	List() []call.Info
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server serves health, metrics, the audio ingress socket and the live
// coaching socket.
type Server struct {
	config     config.HTTPConfig
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler
	limiter    *ratelimit.Limiter
	startTime  time.Time
	calls      CallManager
	hub        *CoachingHub
	ingress    *IngressHandler

	checksMu sync.RWMutex
	checks   map[string]HealthCheck
}

// NewServer creates a new HTTP server instance
func NewServer(cfg config.HTTPConfig, enableMetrics bool, calls CallManager, hub *CoachingHub, logger *logrus.Logger) *Server {
	server := &Server{
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
		calls:     calls,
		hub:       hub,
		checks:    make(map[string]HealthCheck),
	}
	server.ingress = NewIngressHandler(calls, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	server.mux = mux

	addServerHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next(w, r)
		}
	}

	mux.HandleFunc("GET /health", addServerHeader(server.HealthHandler))
	mux.HandleFunc("GET /health/live", addServerHeader(server.LivenessHandler))
	mux.HandleFunc("GET /health/ready", addServerHeader(server.ReadinessHandler))
	mux.HandleFunc("GET /status", addServerHeader(server.statusHandler))

	if enableMetrics {
		promHandler := metrics.Handler()
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			promHandler.ServeHTTP(w, r)
		})
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	mux.HandleFunc("GET /v1/calls", server.limit("list_calls", addServerHeader(server.listCallsHandler)))
	mux.HandleFunc("GET /v1/calls/stream", server.limit("ingress", server.ingress.ServeHTTP))
	mux.HandleFunc("GET /v1/calls/{id}", server.limit("get_call", addServerHeader(server.getCallHandler)))
	mux.HandleFunc("POST /v1/calls/{id}/end", server.limit("end_call", addServerHeader(server.endCallHandler)))
	if hub != nil {
		mux.HandleFunc("GET /v1/coach", server.limit("coach", hub.ServeWs))
	}

	server.handler = correlation.Middleware(logger, mux)
	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// UseRateLimiter throttles the call and coaching routes per client IP. It
// must be called before Start.
func (s *Server) UseRateLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

func (s *Server) limit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}
		s.limiter.Middleware(route, next).ServeHTTP(w, r)
	}
}

// AddHealthCheck registers a dependency probe used by /health and
// /health/ready.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// Start starts the HTTP server in a goroutine
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind HTTP port %d: %w", s.config.Port, err)
	}

	s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server. Ingress sockets are
// closed so their calls finalize.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	s.ingress.CloseAll()
	if s.hub != nil {
		s.hub.CloseAll()
	}
	return s.httpServer.Shutdown(ctx)
}

// statusHandler handles the /status endpoint
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":       "ok",
		"uptime":       time.Since(s.startTime).Round(time.Second).String(),
		"version":      version.Version,
		"started_at":   s.startTime.Format(time.RFC3339),
		"active_calls": s.calls.ActiveCount(),
		"ingress":      s.ingress.ConnectionCount(),
	}
	if s.hub != nil {
		status["coaching_subscribers"] = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listCallsHandler(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")

	calls := s.calls.List()
	if teamID != "" {
		filtered := calls[:0]
		for _, c := range calls {
			if c.TeamID == teamID {
				filtered = append(filtered, c)
			}
		}
		calls = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls": calls,
		"count": len(calls),
	})
}

func (s *Server) getCallHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.calls.Get(r.PathValue("id"))
	if err != nil {
		s.ErrorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"call":       session.Info(),
		"transcript": session.Transcript(),
		"nudges":     session.NudgeState(),
	})
}

func (s *Server) endCallHandler(w http.ResponseWriter, r *http.Request) {
	completion, err := s.calls.End(r.Context(), r.PathValue("id"), call.ReasonClientEnded)
	if err != nil {
		s.ErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Warn("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
