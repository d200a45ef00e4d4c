package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// ErrorCounter counts errors by type and endpoint
	ErrorCounter *prometheus.CounterVec
	// CredentialOps counts credential lifecycle operations by outcome
	CredentialOps *prometheus.CounterVec
	// BreakerState tracks circuit breaker state per dependency
	// (0=closed, 1=open, 2=half-open)
	BreakerState *prometheus.GaugeVec
	// LimiterWaitDuration tracks time spent blocked on the rate limiter
	LimiterWaitDuration *prometheus.HistogramVec
	// LimiterTokensAvailable tracks available burst tokens per service
	LimiterTokensAvailable *prometheus.GaugeVec
	// PendingAuthStates tracks outstanding authorization states
	PendingAuthStates *prometheus.GaugeVec
	// CachedTokens tracks live token cache entries per provider
	CachedTokens *prometheus.GaugeVec
	// SchedulerSweeps counts refresh sweep outcomes
	SchedulerSweeps *prometheus.CounterVec
	// NeedsReauth tracks tenants with a standing needs-reauth condition
	NeedsReauth *prometheus.GaugeVec
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "endpoint", "method"},
		),
		CredentialOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_operations_total",
				Help:      "Total number of credential lifecycle operations",
			},
			[]string{"operation", "provider", "status"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"dependency"},
		),
		LimiterWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "limiter_wait_duration_seconds",
				Help:      "Time spent blocked waiting for a rate limit slot",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "result"},
		),
		LimiterTokensAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_tokens_available",
				Help:      "Number of available burst tokens",
			},
			[]string{"service"},
		),
		PendingAuthStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_auth_states",
				Help:      "Authorization states awaiting their callback",
			},
			[]string{"provider"},
		),
		CachedTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_tokens",
				Help:      "Live token cache entries",
			},
			[]string{"provider"},
		),
		SchedulerSweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_sweep_tenants_total",
				Help:      "Tenants handled by refresh sweeps, by outcome",
			},
			[]string{"provider", "outcome"},
		),
		NeedsReauth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "needs_reauth_tenants",
				Help:      "Tenants with a standing needs-reauth condition",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.ErrorCounter,
		m.CredentialOps,
		m.BreakerState,
		m.LimiterWaitDuration,
		m.LimiterTokensAvailable,
		m.PendingAuthStates,
		m.CachedTokens,
		m.SchedulerSweeps,
		m.NeedsReauth,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, endpoint, method string) {
	m.ErrorCounter.WithLabelValues(errorType, endpoint, method).Inc()
}

// RecordCredentialOp records a credential lifecycle operation
func (m *Metrics) RecordCredentialOp(operation, provider, status string) {
	m.CredentialOps.WithLabelValues(operation, provider, status).Inc()
}

// SetBreakerState sets the state gauge for a dependency
func (m *Metrics) SetBreakerState(dependency string, state int) {
	m.BreakerState.WithLabelValues(dependency).Set(float64(state))
}

// RecordLimiterWait records time spent blocked on the rate limiter
func (m *Metrics) RecordLimiterWait(service, result string, durationSeconds float64) {
	m.LimiterWaitDuration.WithLabelValues(service, result).Observe(durationSeconds)
}

// SetLimiterTokensAvailable sets the available token gauge for a service
func (m *Metrics) SetLimiterTokensAvailable(service string, tokens float64) {
	m.LimiterTokensAvailable.WithLabelValues(service).Set(tokens)
}

// SetPendingStates sets the pending authorization state gauge
func (m *Metrics) SetPendingStates(provider string, count int) {
	m.PendingAuthStates.WithLabelValues(provider).Set(float64(count))
}

// SetCachedTokens sets the token cache size gauge
func (m *Metrics) SetCachedTokens(provider string, count int) {
	m.CachedTokens.WithLabelValues(provider).Set(float64(count))
}

// RecordSweep records the outcome counts of one refresh sweep
func (m *Metrics) RecordSweep(provider string, refreshed, failed, skipped int) {
	m.SchedulerSweeps.WithLabelValues(provider, "refreshed").Add(float64(refreshed))
	m.SchedulerSweeps.WithLabelValues(provider, "failed").Add(float64(failed))
	m.SchedulerSweeps.WithLabelValues(provider, "skipped").Add(float64(skipped))
}

// SetNeedsReauth sets the standing needs-reauth gauge for a provider
func (m *Metrics) SetNeedsReauth(provider string, count int) {
	m.NeedsReauth.WithLabelValues(provider).Set(float64(count))
}
