package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics captures the Prometheus collectors for the authorization
// gateway: grants issued, denials, upstream failures, and request latency.
type GatewayMetrics struct {
	registry *prometheus.Registry

	grants    *prometheus.CounterVec
	denials   *prometheus.CounterVec
	upstream  *prometheus.CounterVec
	parseMiss prometheus.Counter
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Gateway returns the lazily-initialised metrics registry for the service.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		registry := prometheus.NewRegistry()
		m := &GatewayMetrics{
			registry: registry,
			grants: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloomgate",
				Name:      "grants_issued_total",
				Help:      "Signed authorization grants issued, segmented by kind.",
			}, []string{"kind"}),
			denials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloomgate",
				Name:      "denials_total",
				Help:      "Authorization denials segmented by kind and reason.",
			}, []string{"kind", "reason"}),
			upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloomgate",
				Name:      "upstream_failures_total",
				Help:      "Collaborator call failures segmented by collaborator.",
			}, []string{"collaborator"}),
			parseMiss: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bloomgate",
				Name:      "parse_misses_total",
				Help:      "Reply events that contained no tip command.",
			}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bloomgate",
				Name:      "http_requests_total",
				Help:      "HTTP requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bloomgate",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		registry.MustRegister(m.grants, m.denials, m.upstream, m.parseMiss, m.requests, m.latency)
		gatewayRegistry = m
	})
	return gatewayRegistry
}

// Registry exposes the private registry for the /metrics handler.
func (m *GatewayMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// GrantIssued records a successfully signed grant.
func (m *GatewayMetrics) GrantIssued(kind string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(kind).Inc()
}

// Denied records an eligibility or resolution denial.
func (m *GatewayMetrics) Denied(kind, reason string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(kind, reason).Inc()
}

// UpstreamFailure records a collaborator failure (directory, chain, ledger).
func (m *GatewayMetrics) UpstreamFailure(collaborator string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(collaborator).Inc()
}

// ParseMiss records a reply event carrying no tip command.
func (m *GatewayMetrics) ParseMiss() {
	if m == nil {
		return
	}
	m.parseMiss.Inc()
}

// ObserveRequest records an HTTP request outcome.
func (m *GatewayMetrics) ObserveRequest(route, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, status).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}
