package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Bots      map[string]Check `json:"bots"`
}

// Check is the health of one bot worker.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Healthy returns a passing check.
func Healthy(message string) Check {
	return Check{Status: StatusHealthy, Message: message}
}

// Unhealthy returns a failing check.
func Unhealthy(message string) Check {
	return Check{Status: StatusUnhealthy, Message: message}
}

// HealthChecker reports the current health of one bot.
type HealthChecker func() Check

// Server serves Prometheus metrics and per-bot health.
type Server struct {
	cfg       ServerConfig
	http      *http.Server
	handler   http.Handler
	startTime time.Time
	logger    *slog.Logger

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	addr     net.Addr
}

// NewServer creates a metrics server. Nothing listens until Start.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger.With("component", "metrics"),
		checkers:  make(map[string]HealthChecker),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alive"))
	})

	s.handler = mux
	s.http = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// RegisterHealthCheck sets the health checker of bot.
func (s *Server) RegisterHealthCheck(bot string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[bot] = checker
}

// UnregisterHealthCheck removes the checker of bot.
func (s *Server) UnregisterHealthCheck(bot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkers, bot)
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the port and serves in the background. A port that cannot be
// bound is reported here rather than logged later.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("metrics server listening",
		"addr", ln.Addr().String(),
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
	)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.http.Shutdown(ctx)
}

// evaluate runs every checker. The overall status is healthy when every bot
// is, unhealthy when none is, degraded otherwise.
func (s *Server) evaluate() HealthStatus {
	s.mu.RLock()
	checkers := make(map[string]HealthChecker, len(s.checkers))
	for k, v := range s.checkers {
		checkers[k] = v
	}
	s.mu.RUnlock()

	st := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    s.Uptime().Truncate(time.Second).String(),
		Bots:      make(map[string]Check, len(checkers)),
	}
	failing := 0
	for bot, check := range checkers {
		c := check()
		st.Bots[bot] = c
		if c.Status != StatusHealthy {
			failing++
		}
	}
	switch {
	case failing == 0:
	case failing == len(checkers):
		st.Status = StatusUnhealthy
	default:
		st.Status = StatusDegraded
	}
	return st
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.evaluate()
	w.Header().Set("Content-Type", "application/json")
	if st.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

// readyHandler answers 200 only while every bot is healthy.
func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if st := s.evaluate(); st.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + st.Status))
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Uptime returns the time since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
