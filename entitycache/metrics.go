package entitycache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitystream/metric"
)

type cacheMetrics struct {
	lookups *prometheus.CounterVec
	writes  *prometheus.CounterVec
	removed *prometheus.CounterVec
	size    prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "lookups_total",
			ConstLabels: labels,
			Help:        "Cache lookups by result (hit, miss)",
		}, []string{"result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Cache writes by source (update, seed)",
		}, []string{"source"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "removed_total",
			ConstLabels: labels,
			Help:        "Entries removed by reason",
		}, []string{"reason"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "entries",
			ConstLabels: labels,
			Help:        "Current number of cached entity values",
		}),
	}

	if err := registry.RegisterCounterVec(prefix, "cache_lookups", m.lookups); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "cache_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "cache_removed", m.removed); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_entries", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) lookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.lookups.WithLabelValues("hit").Inc()
	} else {
		m.lookups.WithLabelValues("miss").Inc()
	}
}

func (m *cacheMetrics) write(source string, n int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(source).Add(float64(n))
}

func (m *cacheMetrics) remove(reason EvictReason, n int) {
	if m == nil {
		return
	}
	m.removed.WithLabelValues(string(reason)).Add(float64(n))
}

func (m *cacheMetrics) setSize(n int) {
	if m == nil {
		return
	}
	m.size.Set(float64(n))
}
