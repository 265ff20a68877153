// Package metrics exposes queue and acquisition measurements to Prometheus.
//
// Metrics:
//   - studioproxy_queue_depth: requests waiting for the page
//   - studioproxy_requests_total: finished requests by final state
//   - studioproxy_request_wait_seconds: time spent queued
//   - studioproxy_request_duration_seconds: time from admission to finish
//   - studioproxy_tier_attempts_total: tier attempts by tier and outcome
//   - studioproxy_tier_attempt_duration_seconds: tier attempt latency
//   - studioproxy_client_disconnects_total: clients gone before completion
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studioproxy"

var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// Collector implements the queue and orchestrator observers.
type Collector struct {
	registry *prometheus.Registry

	queueDepth      prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestWait     prometheus.Histogram
	requestDuration *prometheus.HistogramVec
	tierAttempts    *prometheus.CounterVec
	tierDuration    *prometheus.HistogramVec
	disconnects     prometheus.Counter
}

// NewCollector registers all metrics with registry, or with a fresh registry
// when nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting for the browser page",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished requests by final state",
		}, []string{"state"}),
		requestWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_wait_seconds",
			Help:      "Time requests spent queued before activation",
			Buckets:   durationBuckets,
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from admission to a terminal state",
			Buckets:   durationBuckets,
		}, []string{"state"}),
		tierAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_attempts_total",
			Help:      "Acquisition tier attempts by outcome",
		}, []string{"tier", "outcome"}),
		tierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_attempt_duration_seconds",
			Help:      "Duration of acquisition tier attempts",
			Buckets:   durationBuckets,
		}, []string{"tier"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Clients that disconnected before their response finished",
		}),
	}
	registry.MustRegister(
		c.queueDepth,
		c.requestsTotal,
		c.requestWait,
		c.requestDuration,
		c.tierAttempts,
		c.tierDuration,
		c.disconnects,
	)
	return c
}

// ObserveQueueDepth records the number of waiting requests.
func (c *Collector) ObserveQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// ObserveRequest records a finished request.
func (c *Collector) ObserveRequest(state string, wait, total time.Duration) {
	c.requestsTotal.WithLabelValues(state).Inc()
	c.requestWait.Observe(wait.Seconds())
	c.requestDuration.WithLabelValues(state).Observe(total.Seconds())
}

// ObserveAttempt records one tier attempt.
func (c *Collector) ObserveAttempt(tier, outcome string, elapsed time.Duration) {
	c.tierAttempts.WithLabelValues(tier, outcome).Inc()
	c.tierDuration.WithLabelValues(tier).Observe(elapsed.Seconds())
}

// IncDisconnect counts a client disconnect.
func (c *Collector) IncDisconnect() {
	c.disconnects.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
