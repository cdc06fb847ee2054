package mutation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/querysync/metric"
)

// queueMetrics holds Prometheus metrics for the durable queue.
type queueMetrics struct {
	enqueued prometheus.Counter
	replays  *prometheus.CounterVec
	depth    prometheus.Gauge
}

// newQueueMetrics creates and registers queue metrics with the registry.
func newQueueMetrics(registry *metric.Registry, prefix string) (*queueMetrics, error) {
	m := &queueMetrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "querysync",
			Subsystem:   "mutation",
			Name:        "enqueued_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Mutations recorded for offline replay",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "querysync",
			Subsystem:   "mutation",
			Name:        "replays_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Replayed mutations by outcome",
		}, []string{"outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "querysync",
			Subsystem:   "mutation",
			Name:        "queue_depth",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Mutations currently awaiting replay",
		}),
	}

	if err := registry.RegisterCounter(prefix, "enqueued_total", m.enqueued); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "replays_total", m.replays); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_depth", m.depth); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) replayed(outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(outcome).Inc()
}
