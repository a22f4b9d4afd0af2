// Package metrics exposes Prometheus collectors for the defstore service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "defstore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defstore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "defstore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	repositoryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defstore",
			Subsystem: "repository",
			Name:      "operations_total",
			Help:      "Total number of repository operations.",
		},
		[]string{"op", "pool", "status"},
	)

	repositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "defstore",
			Subsystem: "repository",
			Name:      "operation_duration_seconds",
			Help:      "Duration of repository operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"op", "pool"},
	)

	skippedRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defstore",
			Subsystem: "repository",
			Name:      "skipped_rows_total",
			Help:      "Rows excluded from listings because they failed to decode.",
		},
		[]string{"reason"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		repositoryOps,
		repositoryDuration,
		skippedRows,
	)
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks an HTTP request as started.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight marks an HTTP request as finished.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one handled HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRepositoryOperation records one repository operation outcome.
func RecordRepositoryOperation(op, pool string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	repositoryOps.WithLabelValues(op, pool, status).Inc()
	repositoryDuration.WithLabelValues(op, pool).Observe(duration.Seconds())
}

// RecordSkippedRow records a listing row excluded for the given reason
// ("secret_unavailable" or "corrupted").
func RecordSkippedRow(reason string) {
	skippedRows.WithLabelValues(reason).Inc()
}
