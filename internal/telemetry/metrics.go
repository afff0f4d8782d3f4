// Package telemetry provides observability primitives for the Gandalf gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	RateLimitRejects *prometheus.CounterVec // labels: service_id
	TokensProcessed  *prometheus.CounterVec // labels: service_id, type (prompt|completion)

	CircuitBreakerState   *prometheus.GaugeVec   // labels: service_id (0=closed, 1=open, 2=half_open)
	CircuitBreakerRejects *prometheus.CounterVec // labels: service_id
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gandalf",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gandalf",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gandalf",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gandalf",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"service_id"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gandalf",
			Name:      "tokens_processed_total",
			Help:      "Total tokens metered through the gateway.",
		}, []string{"service_id", "type"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gandalf",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per upstream service (0=closed, 1=open, 2=half_open).",
		}, []string{"service_id"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gandalf",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected by an open circuit breaker.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
