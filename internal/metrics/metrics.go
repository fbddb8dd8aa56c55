// Package metrics provides Prometheus instrumentation for the routing
// gateway. All metric collectors are registered on init via the Init
// function and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by route, method, and HTTP status code.
	// The route label is the configured template, never the raw request path,
	// so cardinality stays bounded by the config.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// DispatchDepth observes how many routing layers a request descended
	// through before reaching its terminal route.
	DispatchDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_depth",
			Help:    "Routing layers descended before dispatch",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		},
	)

	// RoutesConfigured tracks the size of the active route tree by kind.
	// Updated on startup and after every successful config reload.
	RoutesConfigured = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_routes_configured",
			Help: "Route tree nodes in the active configuration",
		},
		[]string{"kind"},
	)

	// UpgradeRefusals counts requests refused because they matched a route
	// reserved for a protocol upgrade.
	UpgradeRefusals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_upgrade_refusals_total",
			Help: "Total requests refused on upgrade-reserved routes",
		},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// BackendErrors counts backend error responses by route, backend, and status.
	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_backend_errors_total",
			Help: "Total backend error responses (5xx)",
		},
		[]string{"route", "backend", "status"},
	)

	// RetryTotal counts retry attempts by route and backend.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"route", "backend"},
	)

	// CircuitBreakerState reports each backend's breaker state
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// CircuitBreakerStateChanges counts breaker state transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	// BulkheadInFlight tracks concurrent requests per backend bulkhead.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_bulkhead_in_flight",
			Help: "In-flight requests per backend bulkhead",
		},
		[]string{"backend"},
	)

	// BulkheadRejections counts requests rejected by a full bulkhead.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bulkhead_rejections_total",
			Help: "Total requests rejected by a full bulkhead",
		},
		[]string{"backend"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		DispatchDepth,
		RoutesConfigured,
		UpgradeRefusals,
		AuthFailures,
		BackendErrors,
		RetryTotal,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		BulkheadInFlight,
		BulkheadRejections,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
