package updater

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for monitoring service.
var (
	// updateAttempts prometheus metric.
	updateAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of update transaction attempts by result",
			Name:      "update_attempts_total",
			Namespace: "orchestrator",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		updateAttempts,
	)
}

func updateAttemptsMetric(result string) {
	updateAttempts.WithLabelValues(result).Inc()
}
