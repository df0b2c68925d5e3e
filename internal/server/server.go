// Package server provides the HTTP transport in front of the recommendation
// service.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ricesearch/recserve/internal/metrics"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/pkg/middleware"
	"github.com/ricesearch/recserve/internal/rec"
	"github.com/ricesearch/recserve/internal/recommend"
)

// Recommender is the part of the recommendation service the transport uses.
type Recommender interface {
	Recommend(ctx context.Context, user rec.UserContext, k int) ([]rec.RankedItem, error)
	Ready() bool
	Stats() recommend.Stats
}

// Server is the HTTP server.
type Server struct {
	cfg        Config
	log        *logger.Logger
	service    Recommender
	metrics    *metrics.Metrics
	limiter    *middleware.RateLimiter
	health     *HealthChecker
	httpServer *http.Server

	mu      sync.RWMutex
	started bool
}

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// APIPrefix is prepended to the API routes.
	APIPrefix string

	// Version is the application version.
	Version string

	// RateLimit is requests per second per client. 0 disables limiting.
	RateLimit int

	// MetricsPath serves Prometheus metrics. Empty disables it.
	MetricsPath string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8000,
		APIPrefix:    "/api/v1",
		Version:      "dev",
		MetricsPath:  "/metrics",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// New creates a server. m may be nil, which disables HTTP metrics and the
// metrics endpoint.
func New(cfg Config, svc Recommender, m *metrics.Metrics, log *logger.Logger) *Server {
	defaults := DefaultConfig()
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = defaults.APIPrefix
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if log == nil {
		log = logger.Default()
	}

	s := &Server{
		cfg:     cfg,
		log:     log.WithComponent("http"),
		service: svc,
		metrics: m,
		health:  NewHealthChecker(svc, cfg.Version),
	}
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.RateLimit),
			Burst:             cfg.RateLimit * 2,
		})
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Health returns the checker behind the health endpoints so callers can
// register dependency checks.
func (s *Server) Health() *HealthChecker {
	return s.health
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.log))
	if s.metrics != nil {
		r.Use(metrics.HTTPMiddleware(s.metrics))
	}
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	if s.metrics != nil && s.cfg.MetricsPath != "" {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.metrics.Handler())
	}

	r.Route(s.cfg.APIPrefix, func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/recommendations/predict", s.handlePredict)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	s.log.Info("Starting HTTP server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	s.log.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
