package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates engine metrics. It is the only mutable object
// besides blueprints that crosses worker boundaries; all underlying
// prometheus types are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveConns      *prometheus.GaugeVec
	GenerationBuilds *prometheus.CounterVec
	LiveGenerations  *prometheus.GaugeVec
	PoolIdle         *prometheus.GaugeVec
	PoolReuse        *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
}

// NewCollector creates and registers all engine collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Requests served, by server and status code.",
		}, []string{"server", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "request_duration_seconds",
			Help:      "Request latency from decode to final response byte.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),
		ActiveConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_connections",
			Help:      "Currently open downstream connections, by server.",
		}, []string{"server"}),
		GenerationBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "generation_builds_total",
			Help:      "Pipeline generation builds, by result.",
		}, []string{"result"}),
		LiveGenerations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "live_generations",
			Help:      "Generations currently alive, by state.",
		}, []string{"state"}),
		PoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pool_idle_connections",
			Help:      "Idle pooled upstream connections, by worker.",
		}, []string{"worker"}),
		PoolReuse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "pool_reuse_total",
			Help:      "Pool checkouts served from an existing connection.",
		}, []string{"worker"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "upstream_errors_total",
			Help:      "Upstream failures, by error class.",
		}, []string{"class"}),
	}

	c.registry.MustRegister(
		c.RequestsTotal,
		c.RequestDuration,
		c.ActiveConns,
		c.GenerationBuilds,
		c.LiveGenerations,
		c.PoolIdle,
		c.PoolReuse,
		c.UpstreamErrors,
	)
	return c
}

// Handler returns the prometheus exposition handler for this registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
