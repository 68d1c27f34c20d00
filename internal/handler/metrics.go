package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/activityhub/notification-dispatcher/internal/domain"
	"github.com/activityhub/notification-dispatcher/internal/metrics"
)

// ConnectionCounter reports live bus connections. Nil when the external bus
// is in use, since its connections are not visible to this process.
type ConnectionCounter interface {
	TotalConnections() int
}

// MetricsHandler serves /metrics, refreshing the point-in-time gauges at
// scrape time so the exposed values are current rather than cycle-aged.
type MetricsHandler struct {
	metrics *metrics.Metrics
	store   domain.NotificationStore
	conns   ConnectionCounter
	logger  *slog.Logger
}

// NewMetricsHandler creates a MetricsHandler. conns may be nil.
func NewMetricsHandler(m *metrics.Metrics, store domain.NotificationStore, conns ConnectionCounter, logger *slog.Logger) *MetricsHandler {
	return &MetricsHandler{
		metrics: m,
		store:   store,
		conns:   conns,
		logger:  logger,
	}
}

// ServeHTTP refreshes the gauges and delegates to the Prometheus handler.
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if count, err := h.store.CountPending(ctx); err != nil {
		h.logger.Warn("failed to refresh pending count gauge", "error", err)
	} else {
		h.metrics.SetPendingCount(float64(count))
	}

	if h.conns != nil {
		h.metrics.SetBusConnections(float64(h.conns.TotalConnections()))
	}

	promhttp.Handler().ServeHTTP(w, r)
}
