package statistics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK      = "ok"
	resultFailed  = "failed"
	resultOffline = "offline"
)

// Metrics for monitoring service.
var (
	// collected prometheus metric.
	collected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of node statistics requests by result",
			Name:      "node_statistics_total",
			Namespace: "orchestrator",
		},
		[]string{"result"},
	)
	// timeShift prometheus metric.
	timeShift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Help:      "Clock difference between the orchestrator and the node in milliseconds",
			Name:      "node_timeshift_milliseconds",
			Namespace: "orchestrator",
		},
		[]string{"pubkey"},
	)
)

func init() {
	prometheus.MustRegister(
		collected,
		timeShift,
	)
}

func collectedMetric(result string) {
	collected.WithLabelValues(result).Inc()
}

func timeShiftMetric(pubkey string, shift int64) {
	timeShift.WithLabelValues(pubkey).Set(float64(shift))
}
