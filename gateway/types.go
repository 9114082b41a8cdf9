package gateway

import (
	"fmt"
	"time"

	"github.com/c360/entitystream/errors"
)

// Config holds settings shared by the gateways
type Config struct {
	// EnableCORS enables CORS headers and origin checks. Requires CORSOrigins.
	EnableCORS bool `json:"enable_cors" yaml:"enable_cors"`

	// CORSOrigins lists allowed origins. ["*"] is for development only.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	// MaxRequestSize limits HTTP bodies and websocket frames, in bytes
	MaxRequestSize int64 `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`

	// RequestTimeout bounds hub calls made on behalf of a client
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	// SendQueue is the number of outbound frames buffered per websocket session.
	// A session whose queue overflows is closed.
	SendQueue int `json:"send_queue,omitempty" yaml:"send_queue,omitempty"`

	// PingInterval is how often idle websocket sessions are pinged
	PingInterval time.Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`

	// WriteTimeout bounds a single websocket write
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`

	// MessagesPerSecond and Burst limit inbound frames per session
	MessagesPerSecond float64 `json:"messages_per_second,omitempty" yaml:"messages_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`

	// MaxSessions caps concurrent websocket sessions. Zero means unlimited.
	MaxSessions int `json:"max_sessions,omitempty" yaml:"max_sessions,omitempty"`
}

const (
	maxRequestSizeLimit = 100 * 1024 * 1024
	minRequestTimeout   = 100 * time.Millisecond
	maxRequestTimeout   = 30 * time.Second
)

// DefaultConfig returns the default gateway configuration
func DefaultConfig() Config {
	return Config{
		MaxRequestSize:    1024 * 1024,
		RequestTimeout:    5 * time.Second,
		SendQueue:         64,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 20,
		Burst:             40,
	}
}

// Validate checks the configuration and fills zero values with defaults
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.MaxRequestSize < 0 || c.SendQueue < 0 || c.Burst < 0 || c.MaxSessions < 0 || c.MessagesPerSecond < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"sizes and rates cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = def.MaxRequestSize
	}
	if c.MaxRequestSize > maxRequestSizeLimit {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 100MB")
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RequestTimeout < minRequestTimeout || c.RequestTimeout > maxRequestTimeout {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("request_timeout must be between %s and %s", minRequestTimeout, maxRequestTimeout))
	}

	if c.SendQueue == 0 {
		c.SendQueue = def.SendQueue
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MessagesPerSecond == 0 {
		c.MessagesPerSecond = def.MessagesPerSecond
	}
	if c.Burst == 0 {
		c.Burst = def.Burst
	}

	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}
	return nil
}

// OriginAllowed reports whether origin may use the gateway. Without CORS only
// same-origin requests (no Origin header) are accepted.
func (c Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if !c.EnableCORS {
		return false
	}
	for _, allowed := range c.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
