// Package metrics exposes the gateway's Prometheus metrics from a
// self-contained registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gcsgate"

// Metrics holds the gateway collectors and the registry they live in.
type Metrics struct {
	reg      *prometheus.Registry
	inflight prometheus.Gauge
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	stagedBytes     prometheus.Counter
	stagedFiles     prometheus.Counter
	cleanupFailures prometheus.Counter
	transfers       *prometheus.CounterVec
	poolJobs        prometheus.Gauge
}

// New creates a Metrics instance with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of inflight HTTP requests.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed, partitioned by status code and method.",
		}, []string{"code", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of latencies for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
		stagedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "bytes_total",
			Help:      "Bytes written to staged files.",
		}),
		stagedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "files_total",
			Help:      "Uploads fully staged to local disk.",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "cleanup_failures_total",
			Help:      "Staged files that could not be removed.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "operations_total",
			Help:      "Object operations, partitioned by operation and outcome.",
		}, []string{"op", "outcome"}),
		poolJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "running_jobs",
			Help:      "Blocking jobs currently running on the worker pool.",
		}),
	}

	reg.MustRegister(
		m.inflight,
		m.requests,
		m.latency,
		m.stagedBytes,
		m.stagedFiles,
		m.cleanupFailures,
		m.transfers,
		m.poolJobs,
	)

	return m
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// statusRecorder captures the HTTP status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware collects inflight, request count and latency metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		code := strconv.Itoa(rec.status)
		m.requests.WithLabelValues(code, r.Method).Inc()
		m.latency.WithLabelValues(code, r.Method).Observe(time.Since(start).Seconds())
	})
}

// Staged records a fully staged upload.
func (m *Metrics) Staged(bytes int64) {
	m.stagedFiles.Inc()
	m.stagedBytes.Add(float64(bytes))
}

// CleanupFailed records a staged file that could not be removed.
func (m *Metrics) CleanupFailed() {
	m.cleanupFailures.Inc()
}

// Transfer records the outcome of an object operation.
func (m *Metrics) Transfer(op, outcome string) {
	m.transfers.WithLabelValues(op, outcome).Inc()
}

// PoolJobStarted and PoolJobDone track the worker pool.
func (m *Metrics) PoolJobStarted() { m.poolJobs.Inc() }
func (m *Metrics) PoolJobDone()    { m.poolJobs.Dec() }
