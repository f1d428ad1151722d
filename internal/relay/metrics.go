package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// pipelineMetrics are the Prometheus-side counters for the publish
// pipeline. Each Core carries its own registry so independent
// instances (and tests) never collide on registration.
type pipelineMetrics struct {
	registry *prometheus.Registry

	publishesTotal      prometheus.Counter
	deliveriesTotal     prometheus.Counter
	deadLettersTotal    prometheus.Counter
	signalsEmitted      prometheus.Counter
	endpointsRegistered prometheus.Gauge
}

func newPipelineMetrics() *pipelineMetrics {
	m := &pipelineMetrics{
		registry: prometheus.NewRegistry(),
		publishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_publishes_total",
			Help: "Publish attempts accepted into the pipeline.",
		}),
		deliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_deliveries_total",
			Help: "Envelopes persisted into endpoint mailboxes.",
		}),
		deadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_dead_letters_total",
			Help: "Envelopes routed to failed directories.",
		}),
		signalsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_signals_emitted_total",
			Help: "Ephemeral signals broadcast to listeners.",
		}),
		endpointsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strand_endpoints_registered",
			Help: "Currently registered endpoints.",
		}),
	}
	m.registry.MustRegister(
		m.publishesTotal,
		m.deliveriesTotal,
		m.deadLettersTotal,
		m.signalsEmitted,
		m.endpointsRegistered,
	)
	return m
}

// MetricsRegistry exposes the Prometheus registry, e.g. for a
// promhttp handler on the serve command.
func (c *Core) MetricsRegistry() *prometheus.Registry {
	return c.metrics.registry
}
