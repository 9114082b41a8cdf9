package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitystream/metric"
)

type dispatchMetrics struct {
	flushes   *prometheus.CounterVec
	callbacks *prometheus.CounterVec
	coalesced prometheus.Counter
	batchSize prometheus.Histogram
	pending   prometheus.Gauge
}

func newDispatchMetrics(registry *metric.MetricsRegistry, prefix string) (*dispatchMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &dispatchMetrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dispatch",
			Name:        "flushes_total",
			ConstLabels: labels,
			Help:        "Batches flushed, by trigger (timer, forced)",
		}, []string{"trigger"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dispatch",
			Name:        "callbacks_total",
			ConstLabels: labels,
			Help:        "Widget callbacks invoked, by outcome (ok, panic)",
		}, []string{"outcome"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dispatch",
			Name:        "coalesced_total",
			ConstLabels: labels,
			Help:        "Notifications merged into an already pending batch",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dispatch",
			Name:        "batch_entities",
			ConstLabels: labels,
			Help:        "Distinct entities per flushed batch",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dispatch",
			Name:        "pending_dashboards",
			ConstLabels: labels,
			Help:        "Dashboards with an accumulating batch",
		}),
	}

	if err := registry.RegisterCounterVec(prefix, "dispatch_flushes", m.flushes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "dispatch_callbacks", m.callbacks); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "dispatch_coalesced", m.coalesced); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(prefix, "dispatch_batch_entities", m.batchSize); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "dispatch_pending", m.pending); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *dispatchMetrics) flushed(trigger string, entities int) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(trigger).Inc()
	m.batchSize.Observe(float64(entities))
}

func (m *dispatchMetrics) invoked(panicked bool) {
	if m == nil {
		return
	}
	if panicked {
		m.callbacks.WithLabelValues("panic").Inc()
	} else {
		m.callbacks.WithLabelValues("ok").Inc()
	}
}

func (m *dispatchMetrics) merged() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *dispatchMetrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
