// Package server provides the HTTP server for health checks and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/resource-logger/resource-logger/internal/config"
	"github.com/resource-logger/resource-logger/internal/scheduler"
	"github.com/resource-logger/resource-logger/internal/sink"
)

const (
	defaultRateLimit = 20
	defaultRateBurst = 40
	shutdownTimeout  = 10 * time.Second
)

// StatusProvider reports the collection loop status.
type StatusProvider interface {
	Status() scheduler.Status
}

// Server provides HTTP endpoints for health checks and monitoring.
type Server struct {
	cfg        *config.ServerConfig
	pinger     sink.Pinger
	status     StatusProvider
	staleAfter time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu      sync.Mutex
	server  *http.Server
	addr    net.Addr
	started time.Time
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string      `json:"status"`
	Uptime    string      `json:"uptime,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Database  *DBHealth   `json:"database,omitempty"`
	Collector *TickHealth `json:"collector,omitempty"`
}

// DBHealth represents database connectivity status.
type DBHealth struct {
	Connected bool   `json:"connected"`
	Latency   string `json:"latency,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TickHealth summarizes the collection loop.
type TickHealth struct {
	Ticks       uint64     `json:"ticks"`
	Failures    uint64     `json:"failures"`
	LastTick    *time.Time `json:"last_tick,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// New creates a new Server. pinger and status may be nil. Readiness requires a
// successful tick within staleAfter when status is set and staleAfter > 0.
func New(cfg *config.ServerConfig, pinger sink.Pinger, status StatusProvider, staleAfter time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		pinger:     pinger,
		status:     status,
		staleAfter: staleAfter,
		limiter:    rate.NewLimiter(defaultRateLimit, defaultRateBurst),
		logger:     logger,
		started:    time.Now(),
	}
}

// Handler returns the routed handler with rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.rateLimit(s.handleHealth))
	mux.HandleFunc("/readyz", s.rateLimit(s.handleReady))
	mux.HandleFunc("/livez", s.rateLimit(s.handleLive))
	mux.Handle("/metrics", s.rateLimit(promhttp.Handler().ServeHTTP))
	return mux
}

// Start binds the listener and begins serving HTTP requests.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listening on :%d: %w", s.cfg.Port, err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr()
	s.started = time.Now()

	srv := s.server
	go func() {
		s.logger.Info("health server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	return nil
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

// rateLimit rejects requests beyond the configured rate with 429.
func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(s.limiter.Limit())))
		next(w, r)
	}
}

// handleHealth handles /healthz endpoint (combined check).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    s.uptime(),
		Collector: s.tickHealth(),
	}

	// Perform deep check if enabled
	if s.cfg.DeepCheck && s.pinger != nil {
		dbHealth := s.checkDatabase(r.Context())
		response.Database = dbHealth
		if !dbHealth.Connected {
			response.Status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if response.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, response)
}

// handleReady handles /readyz endpoint (readiness probe).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	notReady := func(resp HealthResponse) {
		resp.Status = "not ready"
		resp.Timestamp = time.Now()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
	}

	if s.pinger != nil {
		dbHealth := s.checkDatabase(r.Context())
		if !dbHealth.Connected {
			notReady(HealthResponse{Database: dbHealth})
			return
		}
	}

	if s.status != nil && s.staleAfter > 0 {
		st := s.status.Status()
		if st.LastSuccess.IsZero() || time.Since(st.LastSuccess) > s.staleAfter {
			notReady(HealthResponse{Collector: s.tickHealth()})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ready",
		Timestamp: time.Now(),
	})
}

// handleLive handles /livez endpoint (liveness probe).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now(),
		Uptime:    s.uptime(),
	})
}

func (s *Server) uptime() string {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return time.Since(started).Round(time.Second).String()
}

func (s *Server) tickHealth() *TickHealth {
	if s.status == nil {
		return nil
	}
	st := s.status.Status()
	th := &TickHealth{
		Ticks:     st.Ticks,
		Failures:  st.Failures,
		LastError: st.LastError,
	}
	if !st.LastTick.IsZero() {
		th.LastTick = &st.LastTick
	}
	if !st.LastSuccess.IsZero() {
		th.LastSuccess = &st.LastSuccess
	}
	return th
}

// checkDatabase tests database connectivity.
func (s *Server) checkDatabase(ctx context.Context) *DBHealth {
	health := &DBHealth{}

	start := time.Now()
	err := s.pinger.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		health.Connected = false
		health.Error = err.Error()
	} else {
		health.Connected = true
		health.Latency = latency.String()
	}

	return health
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}
