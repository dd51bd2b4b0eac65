// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Audit write outcomes.
const (
	AuditStored = "stored"
	AuditFailed = "failed"
)

// Reshape record outcomes.
const (
	ReshapePublished = "published"
	ReshapeSkipped   = "skipped"
	ReshapeInvalid   = "invalid"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	AuditWrites   *prometheus.CounterVec
	AuditDuration prometheus.Histogram

	ReshapeRecords *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_proxy_upstream_errors_total",
			Help: "Upstream calls that failed before a complete response was read.",
		}, []string{"method"}),

		AuditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_proxy_audit_writes_total",
			Help: "Audit record writes by outcome.",
		}, []string{"outcome"}),

		AuditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_proxy_audit_write_duration_seconds",
			Help:    "Audit record write latency in seconds.",
			Buckets: defaultBuckets,
		}),

		ReshapeRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_proxy_reshape_records_total",
			Help: "Audit records processed by the reshape job, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.AuditWrites,
		m.AuditDuration,
		m.ReshapeRecords,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// Route labels. Every proxied path collapses into RouteProxy.
const (
	RouteProxy   = "proxy"
	RouteHealth  = "/healthz"
	RouteStatus  = "/proxy/status"
	RouteMetrics = "/metrics"
)

// NormalizeRoute returns a bounded route label for Prometheus metrics.
// The metrics path is passed in because it is configurable.
func NormalizeRoute(path, metricsPath string) string {
	switch path {
	case RouteHealth, RouteStatus:
		return path
	case metricsPath:
		return RouteMetrics
	}
	return RouteProxy
}
