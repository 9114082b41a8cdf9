package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/entitystream/errors"
)

// DefaultEnvPrefix prefixes environment overrides, e.g. ENTITYSTREAM_BUS_URL
const DefaultEnvPrefix = "ENTITYSTREAM"

// gatewayDurationKeys are gateway.options fields held as time.Duration
var gatewayDurationKeys = []string{"request_timeout", "ping_interval", "write_timeout"}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, then validates
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads a JSON or YAML layer, chosen by extension, into a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch format {
	case formatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
		if raw != nil {
			raw = normalizeYAML(raw).(map[string]any)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := checkDepth(raw, 1); err != nil {
		return nil, err
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings held in time.Duration fields to nanoseconds
func parseDurations(data map[string]any) error {
	gw, ok := data["gateway"].(map[string]any)
	if !ok {
		return nil
	}
	opts, ok := gw["options"].(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range gatewayDurationKeys {
		s, ok := opts[key].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("gateway.options.%s: invalid duration %q", key, s)
		}
		opts[key] = d.Nanoseconds()
	}
	return nil
}

// normalizeYAML turns map[any]any nodes, which yaml emits for non-string keys, into
// map[string]any so the result survives a JSON round trip
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies PREFIX_SECTION_FIELD variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"BUS_TRANSPORT":  &cfg.Bus.Transport,
		"BUS_URL":        &cfg.Bus.URL,
		"BUS_TOKEN":      &cfg.Bus.Token,
		"BUS_USERNAME":   &cfg.Bus.Username,
		"BUS_CLIENT_ID":  &cfg.Bus.ClientID,
		"CODEC_PREFIX":   &cfg.Codec.Prefix,
		"CODEC_FORMAT":   &cfg.Codec.Format,
		"STATUS_URL":     &cfg.Status.URL,
		"STATUS_TOKEN":   &cfg.Status.Token,
		"GATEWAY_ADDR":   &cfg.Gateway.Addr,
		"GATEWAY_PREFIX": &cfg.Gateway.Prefix,
		"METRICS_PATH":   &cfg.Metrics.Path,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,

		"GATEWAY_TLS_CERT_FILE": &cfg.Gateway.TLS.CertFile,
		"GATEWAY_TLS_KEY_FILE":  &cfg.Gateway.TLS.KeyFile,
	}
	for suffix, dst := range strs {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	durations := map[string]*Duration{
		"DISPATCH_WINDOW": &cfg.Dispatch.Window,
		"STATUS_TIMEOUT":  &cfg.Status.Timeout,
	}
	for suffix, dst := range durations {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(val)
		if err != nil {
			return l.envError(suffix, err)
		}
		*dst = Duration(d)
	}

	ints := map[string]*int{
		"METRICS_PORT":         &cfg.Metrics.Port,
		"GATEWAY_MAX_SESSIONS": &cfg.Gateway.Options.MaxSessions,
	}
	for suffix, dst := range ints {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return l.envError(suffix, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"GATEWAY_ENABLED":     &cfg.Gateway.Enabled,
		"METRICS_ENABLED":     &cfg.Metrics.Enabled,
		"BUS_TLS_ENABLED":     &cfg.Bus.TLS.Enabled,
		"GATEWAY_TLS_ENABLED": &cfg.Gateway.TLS.Enabled,
	}
	for suffix, dst := range bools {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return l.envError(suffix, err)
		}
		*dst = b
	}

	val, ok, err := l.env("GATEWAY_CORS_ORIGINS")
	if err != nil {
		return err
	}
	if ok {
		cfg.Gateway.Options.CORSOrigins = strings.Split(val, ",")
		cfg.Gateway.Options.EnableCORS = len(cfg.Gateway.Options.CORSOrigins) > 0
	}
	return nil
}

// env returns the override for suffix. Values breaking checkEnvValue fail the load
// rather than being skipped.
func (l *Loader) env(suffix string) (string, bool, error) {
	key := l.envPrefix + "_" + suffix
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := checkEnvValue(key, val); err != nil {
		return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "check environment override")
	}
	return val, true, nil
}

func (l *Loader) envError(suffix string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, suffix, err),
		"Loader", "applyEnvOverrides", "parse environment override")
}
