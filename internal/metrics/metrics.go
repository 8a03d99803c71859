// Package metrics provides Prometheus metrics collection for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state values exported on the state gauge.
const (
	BreakerStateClosed   = 0
	BreakerStateOpen     = 1
	BreakerStateHalfOpen = 2
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	// HTTP metrics (gateway-facing)
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream metrics
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	UpstreamInFlight        *prometheus.GaugeVec

	// Breaker metrics
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// Registry / health metrics
	InstancesHealthy  *prometheus.GaugeVec
	HealthProbesTotal *prometheus.CounterVec
	ProbesSkipped     *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Auth metrics
	TokenVerificationsTotal *prometheus.CounterVec

	registry prometheus.Gatherer
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	m := newWithRegisterer(prometheus.DefaultRegisterer)
	m.registry = prometheus.DefaultGatherer
	return m
}

// NewWithRegistry creates metrics using a custom registry (for testing).
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := newWithRegisterer(reg)
	m.registry = reg
	return m
}

func newWithRegisterer(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_http_requests_total",
				Help: "Total number of HTTP requests by method, service, and status code",
			},
			[]string{"method", "service", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "service"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		UpstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_upstream_requests_total",
				Help: "Total number of forwarded upstream requests by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		UpstreamRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		UpstreamInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_upstream_in_flight",
				Help: "In-flight upstream calls per service",
			},
			[]string{"service"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_breaker_state",
				Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		BreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_breaker_trips_total",
				Help: "Number of times a breaker has opened, per service",
			},
			[]string{"service"},
		),

		InstancesHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_instances_healthy",
				Help: "Number of healthy instances per service",
			},
			[]string{"service"},
		),
		HealthProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_health_probes_total",
				Help: "Health probe results by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		ProbesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_health_probes_skipped_total",
				Help: "Probes skipped because the previous probe was still in flight",
			},
			[]string{"service"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_rate_limit_hits_total",
				Help: "Requests rejected by the rate limiter, per policy",
			},
			[]string{"policy"},
		),

		TokenVerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_token_verifications_total",
				Help: "Token verification results by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Handler returns the Prometheus HTTP handler for scraping metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count, duration, and in-flight gauge for the
// admin API surface. Proxied requests are recorded by the proxy engine with
// the service label instead.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordRequest(r.Method, "admin", wrapped.status, time.Since(start))
	})
}

// RecordRequest records one gateway-facing request.
func (m *Metrics) RecordRequest(method, service string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, service, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, service).Observe(duration.Seconds())
}

// RecordUpstream records one forwarded upstream call.
func (m *Metrics) RecordUpstream(service, outcome string, duration time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(service, outcome).Inc()
	m.UpstreamRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// SetBreakerState sets the breaker state gauge for a service.
func (m *Metrics) SetBreakerState(service string, state int) {
	m.BreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordBreakerTrip records a breaker opening.
func (m *Metrics) RecordBreakerTrip(service string) {
	m.BreakerTrips.WithLabelValues(service).Inc()
}

// SetHealthyInstances sets the healthy-instance gauge for a service.
func (m *Metrics) SetHealthyInstances(service string, n int) {
	m.InstancesHealthy.WithLabelValues(service).Set(float64(n))
}

// RecordProbe records a health probe result.
func (m *Metrics) RecordProbe(service string, healthy bool) {
	outcome := "unhealthy"
	if healthy {
		outcome = "healthy"
	}
	m.HealthProbesTotal.WithLabelValues(service, outcome).Inc()
}

// RecordProbeSkipped records an overlapping probe skip.
func (m *Metrics) RecordProbeSkipped(service string) {
	m.ProbesSkipped.WithLabelValues(service).Inc()
}

// RecordRateLimited records a rate-limiter rejection.
func (m *Metrics) RecordRateLimited(policy string) {
	m.RateLimitHitsTotal.WithLabelValues(policy).Inc()
}

// RecordTokenVerification records a token verification outcome.
func (m *Metrics) RecordTokenVerification(outcome string) {
	m.TokenVerificationsTotal.WithLabelValues(outcome).Inc()
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.status = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
