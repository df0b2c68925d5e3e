package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ricesearch/recserve/internal/recommend"
)

// Health states.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusDraining = "draining"
)

const checkTimeout = 5 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Version    string               `json:"version,omitempty"`
	Uptime     string               `json:"uptime,omitempty"`
	Scheduler  recommend.Stats      `json:"scheduler"`
	Components map[string]Component `json:"components,omitempty"`
}

// Component represents a dependency's health.
type Component struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

// HealthChecker combines scheduler state with registered dependency checks.
type HealthChecker struct {
	service   Recommender
	version   string
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(svc Recommender, version string) *HealthChecker {
	return &HealthChecker{
		service:   svc,
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// Register adds a named dependency check, replacing any previous one.
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every dependency check and reports the combined status.
// Draining wins over degraded.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Scheduler: h.service.Stats(),
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		names = append(names, name)
		checks[name] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	if len(names) > 0 {
		status.Components = make(map[string]Component, len(names))
	}
	for _, name := range names {
		c := probe(ctx, checks[name])
		status.Components[name] = c
		if c.Status != StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	if !h.service.Ready() {
		status.Status = StatusDraining
	}
	return status
}

func probe(ctx context.Context, check CheckFunc) Component {
	start := time.Now()
	err := check(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Component{Status: "unhealthy", Message: err.Error(), Latency: latency}
	}
	return Component{Status: StatusHealthy, Latency: latency}
}

// handleHealth is the liveness probe. It always answers 200 while the
// process can serve HTTP.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	writeJSON(w, http.StatusOK, s.health.Check(ctx))
}

// handleReady answers 503 unless new requests are accepted and every
// dependency check passes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	status := s.health.Check(ctx)
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
