package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "laocore"

// Collector exports node dispatch counters to Prometheus. It implements
// node.Metrics.
type Collector struct {
	registry *prometheus.Registry
	handled  *prometheus.CounterVec
	backlog  prometheus.Gauge
	dropped  *prometheus.CounterVec
	commits  prometheus.Counter
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Inbound envelopes by payload kind and outcome.",
		}, []string{"kind", "status"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_size",
			Help:      "Deferred envelopes waiting for a predecessor.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_dropped_total",
			Help:      "Deferred envelopes that left the backlog unapplied.",
		}, []string{"cause"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_commits_published_total",
			Help:      "State commits signed and published by this node.",
		}),
	}
	c.registry.MustRegister(
		c.handled,
		c.backlog,
		c.dropped,
		c.commits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) MessageHandled(kind, status string) {
	c.handled.WithLabelValues(kind, status).Inc()
}

func (c *Collector) BacklogSize(n int) {
	c.backlog.Set(float64(n))
}

func (c *Collector) BacklogDropped(cause string) {
	c.dropped.WithLabelValues(cause).Inc()
}

func (c *Collector) CommitPublished() {
	c.commits.Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
