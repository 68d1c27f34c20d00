// Package handler contains the HTTP surface: health probes and the metrics
// endpoint.
package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker is anything that can report its own health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler serves the liveness and readiness probes. Probes answer in
// plain text so load balancers and container runtimes can match on the body.
type HealthHandler struct {
	checkers map[string]HealthChecker
}

// NewHealthHandler creates a HealthHandler with no checkers.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		checkers: make(map[string]HealthChecker),
	}
}

// AddChecker registers a dependency for readiness checks.
func (h *HealthHandler) AddChecker(name string, checker HealthChecker) {
	h.checkers[name] = checker
}

// Liveness answers OK while the process is up. Served on /health and
// /healthz.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readiness answers OK when every registered dependency is reachable.
// Served on /readyz.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	for name, checker := range h.checkers {
		if err := checker.Health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(name + " unavailable: " + err.Error()))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
