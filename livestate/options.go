package livestate

import (
	"log/slog"
	"time"

	"github.com/c360/entitystream/busclient"
	"github.com/c360/entitystream/codec"
	"github.com/c360/entitystream/dispatch"
	"github.com/c360/entitystream/metric"
)

// Option configures a Hub
type Option func(*Hub)

// WithCodec replaces the default codec (prefix "entitystream", JSON)
func WithCodec(c *codec.Codec) Option {
	return func(h *Hub) {
		if c != nil {
			h.codec = c
		}
	}
}

// WithStatusSource enables dashboard seeding and exchange re-checks
func WithStatusSource(s StatusSource) Option {
	return func(h *Hub) {
		h.status = s
	}
}

// WithWindow sets the notification batching window
func WithWindow(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.window = d
		}
	}
}

// WithRecheckPool sizes the exchange re-check worker pool
func WithRecheckPool(workers, queueSize int) Option {
	return func(h *Hub) {
		h.recheckWorkers = workers
		h.recheckQueue = queueSize
	}
}

// WithCredentials sets the base credentials a token refresh is applied to
func WithCredentials(creds busclient.Credentials) Option {
	return func(h *Hub) {
		h.creds = creds
	}
}

// WithTokenListener is called with every refreshed token, before the bus reconnects.
// The HTTP status client's SetToken is the usual listener.
func WithTokenListener(fn func(token string)) Option {
	return func(h *Hub) {
		if fn != nil {
			h.tokenListeners = append(h.tokenListeners, fn)
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics for the hub and its parts
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) {
		h.metricsRegistry = registry
	}
}

// defaultWindow mirrors the dispatcher default
const defaultWindow = dispatch.DefaultWindow
