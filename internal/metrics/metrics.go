// Package metrics exposes the platform's Prometheus instruments on a
// dedicated registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modrunner",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modrunner",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modrunner",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modrunner",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total number of module executions.",
		},
		[]string{"kind", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modrunner",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Duration of module executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"kind"},
	)

	retryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modrunner",
			Subsystem: "executor",
			Name:      "retry_attempts_total",
			Help:      "Total number of execution retries.",
		},
	)

	provisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modrunner",
			Subsystem: "provision",
			Name:      "runs_total",
			Help:      "Total number of environment provisioning runs.",
		},
		[]string{"kind", "status"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpInFlight,
		httpRequests,
		httpDuration,
		executions,
		executionDuration,
		retryAttempts,
		provisions,
	)
}

// Handler returns the /metrics endpoint for the platform registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordExecution counts one module execution.
func RecordExecution(kind string, exitCode int, duration time.Duration) {
	status := "ok"
	if exitCode != 0 {
		status = "error"
	}
	executions.WithLabelValues(kind, status).Inc()
	executionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRetry counts one retry attempt.
func RecordRetry() {
	retryAttempts.Inc()
}

// RecordProvision counts one provisioning run.
func RecordProvision(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	provisions.WithLabelValues(kind, status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an HTTP handler with request metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := routeLabel(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses per-module paths so label cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case path == "/api/modules" || path == "/healthz" || path == "/metrics" ||
		path == "/rpc" || path == "/system/status":
		return path
	case len(path) > 5 && path[:5] == "/run/":
		return "/run/{name}"
	case len(path) > 13 && path[:13] == "/api/modules/":
		return "/api/modules/{name}"
	case path == "/api/logs/errors" || path == "/api/logs/errors/download":
		return path
	default:
		return "other"
	}
}
