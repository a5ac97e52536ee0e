// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for proxy latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Upgrade result labels.
const (
	ResultOK          = "ok"
	ResultRejected    = "rejected"
	ResultTimeout     = "timeout"
	ResultUnreachable = "unreachable"
	ResultBadRequest  = "bad_request"
)

// Relay direction labels.
const (
	DirClientToBackend = "client_to_backend"
	DirBackendToClient = "backend_to_client"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec

	UpgradesTotal *prometheus.CounterVec
	OpenSessions  prometheus.Gauge
	RelayMessages *prometheus.CounterVec
	RelayBytes    *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunnel_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunnel_proxy_backend_request_duration_seconds",
			Help:    "Backend passthrough call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_proxy_backend_responses_total",
			Help: "Total backend passthrough responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpgradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_proxy_upgrades_total",
			Help: "Upgrade handshake outcomes by transport variant.",
		}, []string{"transport", "result"}),

		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_proxy_open_sessions",
			Help: "Number of bridged tunnel sessions currently open.",
		}),

		RelayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_proxy_relay_messages_total",
			Help: "Relayed messages by direction.",
		}, []string{"direction"}),

		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_proxy_relay_bytes_total",
			Help: "Relayed payload bytes by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.UpgradesTotal,
		m.OpenSessions,
		m.RelayMessages,
		m.RelayBytes,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/ws", "/xhttp", "/httpupgrade", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
