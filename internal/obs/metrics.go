package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	mergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_merges_total",
			Help: "Executed identity merges by outcome.",
		},
		[]string{"outcome"},
	)

	recordsSealedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_sealed_total",
			Help: "Sealed audit records by action.",
		},
		[]string{"action"},
	)

	chainFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_chain_verification_failures_total",
		Help: "Chain verifications that reported at least one break.",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		mergesTotal, recordsSealedTotal, chainFailuresTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMerge counts one executed merge with its outcome label.
func ObserveMerge(outcome string) {
	mergesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSealed counts one sealed audit record.
func ObserveSealed(action string) {
	recordsSealedTotal.WithLabelValues(action).Inc()
}

// ObserveChainFailure counts one failed chain verification.
func ObserveChainFailure() {
	chainFailuresTotal.Inc()
}

// Instrument wraps a handler with RPS, latency and in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code written downstream.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
