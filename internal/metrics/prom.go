package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels recorded for upstream calls.
const (
	OutcomeSuccess     = "success"
	OutcomeStatusError = "status_error"
	OutcomeInvalidJSON = "invalid_json"
	OutcomeTransport   = "transport_error"
	OutcomeCanceled    = "canceled"
	OutcomeTaskFailed  = "task_failed"
	OutcomeTimeout     = "timeout"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "kiegate_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiegate_upstream_requests_total",
			Help: "Number of upstream calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	upstreamStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiegate_upstream_responses_total",
			Help: "Upstream HTTP responses by operation and status class",
		},
		[]string{"operation", "code"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiegate_upstream_request_duration_seconds",
			Help:    "Upstream call duration",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	inflightRequests = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "kiegate_inflight_requests",
			Help: "Requests currently waiting on the upstream",
		},
		func() float64 { return float64(inflightSource()) },
	)

	inflightSource = func() int64 { return 0 }
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, upstreamRequests, upstreamStatus, upstreamDuration, inflightRequests)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetInflightSource sets the function sampled by the in-flight gauge.
func SetInflightSource(f func() int64) {
	if f != nil {
		inflightSource = f
	}
}

// RecordUpstream records one upstream call. code is the upstream HTTP status,
// or 0 when no response was received.
func RecordUpstream(operation, outcome string, code int, d time.Duration) {
	upstreamRequests.WithLabelValues(operation, outcome).Inc()
	if code > 0 {
		upstreamStatus.WithLabelValues(operation, statusLabel(code)).Inc()
	}
	upstreamDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
