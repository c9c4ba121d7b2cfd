// Package metrics exports processor task outcomes to Prometheus.
package metrics

import (
	"net/http"

	"e2e_core/internal/processor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "e2e_core"

type Collector struct {
	registry *prometheus.Registry

	started  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ processor.Observer = (*Collector)(nil)

// New registers the processor metrics on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "tasks_started_total",
			Help:      "Processing tasks that got a slot.",
		}, []string{"direction"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "tasks_finished_total",
			Help:      "Finished processing tasks by outcome and reason.",
		}, []string{"direction", "outcome", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "task_duration_seconds",
			Help:      "Time from task creation to its final event.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"direction", "outcome"}),
	}
	c.registry.MustRegister(c.started, c.outcomes, c.duration)
	return c
}

func outcome(e processor.Event) string {
	switch {
	case e.Kind == processor.EventSucceeded:
		return "succeeded"
	case e.Fatal:
		return "failed"
	}
	return "skipped"
}

// Observe counts one event. Step events are ignored.
func (c *Collector) Observe(e processor.Event) {
	dir := string(e.Direction)
	switch {
	case e.Kind == processor.EventStarted:
		c.started.WithLabelValues(dir).Inc()
	case e.Final():
		o := outcome(e)
		c.outcomes.WithLabelValues(dir, o, e.Reason.String()).Inc()
		c.duration.WithLabelValues(dir, o).Observe(e.Elapsed.Seconds())
	}
}

// Track observes events until the channel is closed.
func (c *Collector) Track(events <-chan processor.Event) {
	for e := range events {
		c.Observe(e)
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
