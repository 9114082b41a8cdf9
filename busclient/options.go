package busclient

import (
	"log/slog"
	"time"

	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/pkg/retry"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records connection state, reconnects and publishes on the core metrics
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithBackoff configures the reconnect backoff
func WithBackoff(cfg retry.BackoffConfig) ClientOption {
	return func(c *Client) {
		c.backoff = retry.NewBackoff(cfg)
	}
}

// WithConnectTimeout bounds a single connect attempt
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithStateListener registers a state listener at construction time
func WithStateListener(fn StateListener) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.listeners = append(c.listeners, fn)
		}
	}
}
