// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the gateway-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight inbound requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of inbound requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rejections_total",
			Help:      "Requests rejected before reaching a backend, by cause.",
		},
		[]string{"cause"},
	)

	backendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Forwarded requests per backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	backendInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "backend",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight forwarded requests per backend.",
		},
		[]string{"backend"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "backend",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half_open).",
		},
		[]string{"backend"},
	)

	authCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "auth",
			Name:      "cache_events_total",
			Help:      "Credential cache lookups by result (hit, miss, expired).",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		rejections,
		backendRequests,
		backendInFlight,
		circuitState,
		authCacheEvents,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncInFlight marks an inbound request as started.
func IncInFlight() { httpInFlight.Inc() }

// DecInFlight marks an inbound request as finished.
func DecInFlight() { httpInFlight.Dec() }

// RecordRequest records one completed inbound request.
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRejection counts a request terminated by an admission gate.
func RecordRejection(cause string) {
	rejections.WithLabelValues(cause).Inc()
}

// RecordBackendRequest records one forwarding attempt outcome
// (success, failure, timeout, unreachable, canceled).
func RecordBackendRequest(backend, outcome string) {
	backendRequests.WithLabelValues(backend, outcome).Inc()
}

// IncBackendInFlight marks a forwarded request as started.
func IncBackendInFlight(backend string) { backendInFlight.WithLabelValues(backend).Inc() }

// DecBackendInFlight marks a forwarded request as finished.
func DecBackendInFlight(backend string) { backendInFlight.WithLabelValues(backend).Dec() }

// SetCircuitState records a breaker state change for a backend.
func SetCircuitState(backend string, state float64) {
	circuitState.WithLabelValues(backend).Set(state)
}

// RecordAuthCacheEvent counts a credential cache lookup result.
func RecordAuthCacheEvent(result string) {
	authCacheEvents.WithLabelValues(result).Inc()
}
