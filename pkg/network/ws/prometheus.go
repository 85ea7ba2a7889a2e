package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for monitoring service.
var (
	wsConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Help:      "Number of registered websocket channels by type",
			Name:      "ws_connections",
			Namespace: "orchestrator",
		},
		[]string{"type"},
	)
	wsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of rejected websocket connections by reason",
			Name:      "ws_rejected_total",
			Namespace: "orchestrator",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		wsConnections,
		wsRejected,
	)
}

func updateConnectionsMetric(t ChannelType, delta float64) {
	wsConnections.WithLabelValues(string(t)).Add(delta)
}

func rejectedMetric(reason string) {
	wsRejected.WithLabelValues(reason).Inc()
}
