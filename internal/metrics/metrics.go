package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes, used as the "outcome" label.
const (
	OutcomeForwarded     = "forwarded"
	OutcomeNoRoute       = "no_route"
	OutcomeRejected      = "rejected"
	OutcomeUpstreamError = "upstream_error"
	OutcomeClientClosed  = "client_closed"
	OutcomeStreamAborted = "stream_aborted"
	OutcomeInternalError = "internal_error"
)

// Circuit breaker states reported by SetCircuitBreakerState.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector holds the gateway's Prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	rejections       *prometheus.CounterVec
	upstreamErrors   prometheus.Counter
	breakerState     prometheus.Gauge
}

// NewCollector creates a collector with process and Go runtime metrics
// registered alongside the gateway's own.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_requests_total",
			Help: "Total number of requests by outcome, method and status.",
		}, []string{"outcome", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_request_duration_seconds",
			Help:    "Request duration in seconds by outcome.",
			Buckets: DefaultBuckets,
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_auth_rejections_total",
			Help: "Requests rejected by the validation pipeline, by cause.",
		}, []string{"cause"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_upstream_errors_total",
			Help: "Requests for which no upstream response was obtained.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=open, 2=half_open).",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.rejections,
		c.upstreamErrors,
		c.breakerState,
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(outcome, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(outcome, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRejection counts a pipeline rejection.
func (c *Collector) RecordRejection(cause string) {
	c.rejections.WithLabelValues(cause).Inc()
}

// RecordUpstreamError counts a failure to obtain an upstream response.
func (c *Collector) RecordUpstreamError() {
	c.upstreamErrors.Inc()
}

// SetCircuitBreakerState sets the upstream breaker state gauge.
func (c *Collector) SetCircuitBreakerState(state int) {
	c.breakerState.Set(float64(state))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
