package apisrv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service.
var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Help:      "API request handling time",
			Name:      "http_request_duration_seconds",
			Namespace: "orchestrator",
		},
		[]string{"route", "method", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		requestDuration,
	)
}

func addReqTimeMetric(route, method string, code int, t time.Duration) {
	requestDuration.WithLabelValues(route, method, statusClass(code)).Observe(t.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
