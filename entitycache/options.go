package entitycache

import (
	"log/slog"

	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/types"
)

// EvictReason tells an eviction callback why an entry left the cache
type EvictReason string

// Eviction reasons
const (
	EvictDeleted      EvictReason = "deleted"
	EvictUnreferenced EvictReason = "unreferenced"
)

// EvictCallback receives entries removed by Delete or Retain. Called outside the cache lock.
type EvictCallback func(reason EvictReason, value types.EntityValue)

// Option configures a Cache
type Option func(*options)

type options struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	logger        *slog.Logger
	onEvict       EvictCallback
}

// WithMetrics exports cache statistics as Prometheus series labelled with prefix.
// Ignored when registry is nil or prefix is empty.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(o *options) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEvictionCallback sets the eviction callback
func WithEvictionCallback(fn EvictCallback) Option {
	return func(o *options) {
		o.onEvict = fn
	}
}
