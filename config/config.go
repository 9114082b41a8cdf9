package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/c360/entitystream/codec"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/gateway"
	"github.com/c360/entitystream/pkg/security"
)

// Bus transport kinds
const (
	TransportMQTT   = "mqtt"
	TransportNATS   = "nats"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

// Config is the complete process configuration
type Config struct {
	Version  string         `json:"version,omitempty" yaml:"version,omitempty"` // semver, informational
	Bus      BusConfig      `json:"bus" yaml:"bus"`
	Codec    CodecConfig    `json:"codec" yaml:"codec"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Status   StatusConfig   `json:"status" yaml:"status"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// BusConfig selects and tunes the shared bus connection
type BusConfig struct {
	Transport      string   `json:"transport" yaml:"transport"` // mqtt|nats|redis|memory
	URL            string   `json:"url" yaml:"url"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`
	Username       string   `json:"username,omitempty" yaml:"username,omitempty"`
	ClientID       string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	QoS            int      `json:"qos" yaml:"qos"`
	KeepAlive      Duration `json:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
	BackoffInitial Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     Duration `json:"backoff_max" yaml:"backoff_max"`
	PingInterval   Duration `json:"ping_interval" yaml:"ping_interval"` // redis only

	TLS security.ClientTLSConfig `json:"tls" yaml:"tls"`
}

// CodecConfig controls topic naming and outbound payloads
type CodecConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Format string `json:"format" yaml:"format"` // json|cbor
}

// DispatchConfig tunes batching and exchange re-checks
type DispatchConfig struct {
	Window         Duration `json:"window" yaml:"window"`
	RecheckWorkers int      `json:"recheck_workers" yaml:"recheck_workers"`
	RecheckQueue   int      `json:"recheck_queue" yaml:"recheck_queue"`
}

// StatusConfig points at the bulk entity status endpoint. An empty URL disables seeding
// and exchange re-checks.
type StatusConfig struct {
	URL          string   `json:"url,omitempty" yaml:"url,omitempty"`
	Token        string   `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay"`

	TLS security.ClientTLSConfig `json:"tls" yaml:"tls"`
}

// GatewayConfig is where remote dashboards connect
type GatewayConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Addr    string         `json:"addr" yaml:"addr"`
	Prefix  string         `json:"prefix" yaml:"prefix"`
	Options gateway.Config `json:"options" yaml:"options"`

	TLS security.ServerTLSConfig `json:"tls" yaml:"tls"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// LogConfig sets the process logger
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug|info|warn|error
	Format string `json:"format" yaml:"format"` // json|text
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates cfg and swaps it in
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Default returns the built-in configuration every file layer is merged onto
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Transport:      TransportMQTT,
			URL:            "ws://localhost:9001/mqtt",
			QoS:            1,
			KeepAlive:      Duration(30e9),
			ConnectTimeout: Duration(10e9),
			BackoffInitial: Duration(1e9),
			BackoffMax:     Duration(30e9),
			PingInterval:   Duration(15e9),
		},
		Codec: CodecConfig{
			Prefix: codec.DefaultPrefix,
			Format: string(codec.FormatJSON),
		},
		Dispatch: DispatchConfig{
			Window:         Duration(300e6),
			RecheckWorkers: 2,
			RecheckQueue:   64,
		},
		Status: StatusConfig{
			Timeout:      Duration(5e9),
			MaxAttempts:  5,
			InitialDelay: Duration(50e6),
			MaxDelay:     Duration(1e9),
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    ":8080",
			Prefix:  "/live/",
			Options: gateway.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the config and normalizes enum-like fields to lower case
func (c *Config) Validate() error {
	c.Bus.Transport = strings.ToLower(c.Bus.Transport)
	c.Codec.Format = strings.ToLower(c.Codec.Format)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	var problem string
	switch {
	case c.Bus.Transport != TransportMQTT && c.Bus.Transport != TransportNATS &&
		c.Bus.Transport != TransportRedis && c.Bus.Transport != TransportMemory:
		problem = fmt.Sprintf("bus.transport %q must be one of mqtt, nats, redis, memory", c.Bus.Transport)
	case c.Bus.URL == "":
		problem = "bus.url is required"
	case c.Bus.QoS < 0 || c.Bus.QoS > 1:
		problem = fmt.Sprintf("bus.qos %d must be 0 or 1", c.Bus.QoS)
	case c.Bus.BackoffMax < c.Bus.BackoffInitial:
		problem = "bus.backoff_max must not be below bus.backoff_initial"
	case c.Codec.Prefix == "" || strings.ContainsAny(c.Codec.Prefix, "+#"):
		problem = fmt.Sprintf("codec.prefix %q must be non-empty and free of wildcards", c.Codec.Prefix)
	case c.Codec.Format != string(codec.FormatJSON) && c.Codec.Format != string(codec.FormatCBOR):
		problem = fmt.Sprintf("codec.format %q must be json or cbor", c.Codec.Format)
	case c.Dispatch.Window <= 0:
		problem = "dispatch.window must be positive"
	case c.Dispatch.RecheckWorkers < 1 || c.Dispatch.RecheckQueue < 1:
		problem = "dispatch.recheck_workers and dispatch.recheck_queue must be at least 1"
	case c.Status.MaxAttempts < 0:
		problem = "status.max_attempts cannot be negative"
	case c.Status.URL != "" && !strings.HasPrefix(c.Status.URL, "http://") && !strings.HasPrefix(c.Status.URL, "https://"):
		problem = "status.url must be an http(s) URL"
	case c.Gateway.Enabled && c.Gateway.Addr == "":
		problem = "gateway.addr is required when the gateway is enabled"
	case c.Gateway.TLS.Enabled && (c.Gateway.TLS.CertFile == "" || c.Gateway.TLS.KeyFile == ""):
		problem = "gateway.tls requires cert_file and key_file"
	case !validTLSVersion(c.Bus.TLS.MinVersion) || !validTLSVersion(c.Status.TLS.MinVersion) ||
		!validTLSVersion(c.Gateway.TLS.MinVersion):
		problem = "tls min_version must be 1.2 or 1.3"
	case c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535):
		problem = fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port)
	case !oneOf(c.Log.Level, "debug", "info", "warn", "error"):
		problem = fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level)
	case !oneOf(c.Log.Format, "json", "text"):
		problem = fmt.Sprintf("log.format %q must be json or text", c.Log.Format)
	}
	if problem != "" {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, problem),
			"Config", "Validate", "check configuration")
	}

	if c.Gateway.Enabled {
		if err := c.Gateway.Options.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SaveToFile writes the configuration as indented JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return writeLayer(path, data)
}

// String returns the JSON form with secrets redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.Bus.Token != "" {
		redacted.Bus.Token = "[REDACTED]"
	}
	if redacted.Status.Token != "" {
		redacted.Status.Token = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

func validTLSVersion(v string) bool {
	return oneOf(v, "", "1.2", "1.3")
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
