package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus gauges and counters for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedAgents prometheus.Gauge
	FramesTotal     *prometheus.CounterVec
	PendingRequests prometheus.Gauge
	RequestsTotal   *prometheus.CounterVec
	ConsoleSessions prometheus.Gauge
	OperationsTotal *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	connectedAgents := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "connected_agents",
		Help:      "Number of agents with a live transport.",
	})
	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Inbound frames dispatched, by envelope type.",
		},
		[]string{"type"},
	)
	pendingRequests := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "pending_requests",
		Help:      "Correlated requests currently in flight.",
	})
	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Correlated requests completed, by outcome.",
		},
		[]string{"outcome"},
	)
	consoleSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "console",
		Name:      "sessions",
		Help:      "Console sessions currently routed.",
	})
	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "orchestrator",
			Name:      "operations_total",
			Help:      "VM and volume operations, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	registry.MustRegister(
		connectedAgents,
		framesTotal,
		pendingRequests,
		requestsTotal,
		consoleSessions,
		operationsTotal,
	)

	return &Metrics{
		registry:        registry,
		ConnectedAgents: connectedAgents,
		FramesTotal:     framesTotal,
		PendingRequests: pendingRequests,
		RequestsTotal:   requestsTotal,
		ConsoleSessions: consoleSessions,
		OperationsTotal: operationsTotal,
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
