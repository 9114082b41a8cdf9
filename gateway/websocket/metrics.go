package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitystream/metric"
)

const metricsService = "gateway_websocket"

type wsMetrics struct {
	sessions      prometheus.Gauge
	sessionsTotal prometheus.Counter
	frames        *prometheus.CounterVec
	errors        *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) (*wsMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &wsMetrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "sessions",
			Help:      "Currently connected websocket sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "sessions_total",
			Help:      "Websocket sessions accepted",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "frames_total",
			Help:      "Websocket frames by direction and type",
		}, []string{"direction", "type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Websocket errors by type",
		}, []string{"error_type"}),
	}

	if err := registry.RegisterGauge(metricsService, "sessions", m.sessions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(metricsService, "sessions_total", m.sessionsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(metricsService, "frames_total", m.frames); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(metricsService, "errors_total", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *wsMetrics) frame(direction, typ string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, typ).Inc()
}

func (m *wsMetrics) fail(typ string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(typ).Inc()
}

func (m *wsMetrics) opened(active int) {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessions.Set(float64(active))
}

func (m *wsMetrics) closed(active int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(active))
}
