// Package metrics holds the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Channel labels for delivery counters.
const (
	ChannelBus  = "bus"
	ChannelPush = "push"
)

// Metrics holds the dispatcher's Prometheus instruments.
type Metrics struct {
	pendingCount   prometheus.Gauge
	busConnections prometheus.Gauge
	delivered      *prometheus.CounterVec
	failed         prometheus.Counter
}

// New registers and returns the dispatcher metrics.
func New() *Metrics {
	return &Metrics{
		pendingCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "notifications_pending",
			Help: "Number of unprocessed notifications eligible for delivery",
		}),
		busConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bus_connections_active",
			Help: "Active WebSocket connections on the in-process bus",
		}),
		delivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_delivered_total",
				Help: "Total notifications delivered, by channel",
			},
			[]string{"channel"},
		),
		failed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total notification delivery attempts that failed",
		}),
	}
}

// SetPendingCount sets the pending queue depth gauge.
func (m *Metrics) SetPendingCount(count float64) {
	m.pendingCount.Set(count)
}

// SetBusConnections sets the active connection gauge.
func (m *Metrics) SetBusConnections(count float64) {
	m.busConnections.Set(count)
}

// RecordDelivered records a successful delivery on a channel.
func (m *Metrics) RecordDelivered(channel string) {
	m.delivered.WithLabelValues(channel).Inc()
}

// RecordFailed records a failed delivery attempt.
func (m *Metrics) RecordFailed() {
	m.failed.Inc()
}
