package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the pipeline-level metrics shared by every component.
// All Record* methods are nil-safe so components can run without a registry.
type Metrics struct {
	// Bus connection
	BusState         prometheus.Gauge
	BusReconnects    prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	PublishTotal     *prometheus.CounterVec

	// Decode
	DecodeErrors *prometheus.CounterVec

	// Listener lifecycle
	ListenersActive       prometheus.Gauge
	RegistrationsRejected prometheus.Counter

	// Status re-checks
	StatusFetchDuration prometheus.Histogram
	StatusFetchErrors   prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		BusState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "state",
			Help:      "Bus connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		}),
		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "messages_received_total",
			Help:      "Inbound bus messages by decoded kind",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "messages_dropped_total",
			Help:      "Inbound or outbound messages dropped, by reason",
		}, []string{"reason"}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Outbound publish attempts by status",
		}, []string{"status"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "codec",
			Name:      "decode_errors_total",
			Help:      "Inbound payloads that failed to decode",
		}, []string{"reason"}),
		ListenersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "registrations",
			Help:      "Number of active widget registrations",
		}),
		RegistrationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "rejected_total",
			Help:      "Registrations ignored because of missing ids or callback",
		}),
		StatusFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "status",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of bulk entity status fetches",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		StatusFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "status",
			Name:      "fetch_errors_total",
			Help:      "Bulk entity status fetches that failed",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.BusState,
		c.BusReconnects,
		c.MessagesReceived,
		c.MessagesDropped,
		c.PublishTotal,
		c.DecodeErrors,
		c.ListenersActive,
		c.RegistrationsRejected,
		c.StatusFetchDuration,
		c.StatusFetchErrors,
	}
}

// RecordBusState updates the connection state gauge
func (c *Metrics) RecordBusState(state int) {
	if c == nil {
		return
	}
	c.BusState.Set(float64(state))
}

// RecordReconnect increments the reconnect counter
func (c *Metrics) RecordReconnect() {
	if c == nil {
		return
	}
	c.BusReconnects.Inc()
}

// RecordMessageReceived counts an inbound message of the given kind
func (c *Metrics) RecordMessageReceived(kind string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(kind).Inc()
}

// RecordDropped counts a dropped message
func (c *Metrics) RecordDropped(reason string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordPublish counts a publish attempt
func (c *Metrics) RecordPublish(ok bool) {
	if c == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	c.PublishTotal.WithLabelValues(status).Inc()
}

// RecordDecodeError counts a decode failure
func (c *Metrics) RecordDecodeError(reason string) {
	if c == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(reason).Inc()
}

// RecordListeners sets the active registration gauge
func (c *Metrics) RecordListeners(n int) {
	if c == nil {
		return
	}
	c.ListenersActive.Set(float64(n))
}

// RecordRegistrationRejected counts an ignored registration
func (c *Metrics) RecordRegistrationRejected() {
	if c == nil {
		return
	}
	c.RegistrationsRejected.Inc()
}

// RecordStatusFetch records a status fetch outcome
func (c *Metrics) RecordStatusFetch(duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.StatusFetchDuration.Observe(duration.Seconds())
	if err != nil {
		c.StatusFetchErrors.Inc()
	}
}
