package configmgr

import (
	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for monitoring service.
var (
	// configStatus prometheus metric.
	configStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of config envelopes reaching each status",
			Name:      "config_status_total",
			Namespace: "orchestrator",
		},
		[]string{"status"},
	)
	// sweeps prometheus metric.
	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of reconciliation passes by result",
			Name:      "sweeps_total",
			Namespace: "orchestrator",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		configStatus,
		sweeps,
	)
}

func configStatusMetric(s clusterconfig.Status) {
	configStatus.WithLabelValues(string(s)).Inc()
}

func sweepMetric(result string) {
	sweeps.WithLabelValues(result).Inc()
}
