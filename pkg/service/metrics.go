package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exposed by the attribution service.
// It carries its own registry so tests and embedded servers never collide
// with the global one.
type Metrics struct {
	attributionsTotal  *prometheus.CounterVec
	attributionLatency *prometheus.HistogramVec
	modelReloads       *prometheus.CounterVec
	modelInfo          *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with all service metrics registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		attributionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relprop_attributions_total",
				Help: "Total number of attribution runs by status",
			},
			[]string{"status"},
		),

		attributionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relprop_attribution_duration_seconds",
				Help:    "Attribution run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		modelReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relprop_model_reloads_total",
				Help: "Total number of model reload attempts by status",
			},
			[]string{"status"},
		),

		modelInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relprop_model_layers",
				Help: "Leaf layer count of the currently loaded model",
			},
			[]string{"model"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relprop_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relprop_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.attributionsTotal,
		m.attributionLatency,
		m.modelReloads,
		m.modelInfo,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordAttribution records one attribution run.
func (m *Metrics) RecordAttribution(status string, duration time.Duration) {
	m.attributionsTotal.WithLabelValues(status).Inc()
	m.attributionLatency.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordModelReload records a model reload attempt.
func (m *Metrics) RecordModelReload(status string) {
	m.modelReloads.WithLabelValues(status).Inc()
}

// SetModelInfo publishes the loaded model's layer count.
func (m *Metrics) SetModelInfo(name string, layers int) {
	m.modelInfo.Reset()
	m.modelInfo.WithLabelValues(name).Set(float64(layers))
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latencies around next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// endpointName normalizes a path into a bounded label value.
func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/v1/attribute":
		return "attribute"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}
