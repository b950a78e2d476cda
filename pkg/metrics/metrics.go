// Package metrics provides Prometheus instrumentation for Orbitcache.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for Orbitcache.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	CacheLookups         *prometheus.CounterVec
	SimilarityCandidates *prometheus.HistogramVec
	GenerationDuration   prometheus.Histogram
	ActiveRequests       prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all Orbitcache metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbitcache_requests_total",
				Help: "Total HTTP requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orbitcache_request_duration_seconds",
				Help:    "HTTP request latency distribution.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbitcache_cache_lookups_total",
				Help: "Total cache lookups by result (hit/miss).",
			},
			[]string{"result"},
		),
		SimilarityCandidates: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orbitcache_similarity_candidates",
				Help:    "Candidate entries scanned per similarity search.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"endpoint"},
		),
		GenerationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orbitcache_generation_duration_seconds",
				Help:    "Latency of upstream answer generation on cache misses.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orbitcache_active_requests",
				Help: "Number of requests currently being processed.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CacheLookups,
		m.SimilarityCandidates,
		m.GenerationDuration,
		m.ActiveRequests,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request's metrics.
func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordLookup records the outcome of a cache lookup.
func (m *Metrics) RecordLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordSimilarity records how many candidates a similarity search scanned.
func (m *Metrics) RecordSimilarity(endpoint string, candidates int) {
	m.SimilarityCandidates.WithLabelValues(endpoint).Observe(float64(candidates))
}

// RecordGeneration records the latency of one upstream generation call.
func (m *Metrics) RecordGeneration(duration time.Duration) {
	m.GenerationDuration.Observe(duration.Seconds())
}

// Middleware returns an HTTP middleware that instruments requests.
func (m *Metrics) Middleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		m.RecordRequest(endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
