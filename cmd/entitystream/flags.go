package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

type layerFlag struct {
	paths *[]string
}

func (f layerFlag) String() string {
	if f.paths == nil {
		return ""
	}
	return strings.Join(*f.paths, ",")
}

func (f layerFlag) Set(v string) error {
	*f.paths = append(*f.paths, v)
	return nil
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.Var(layerFlag{&cfg.ConfigPaths}, "config",
		"Configuration file, JSON or YAML; repeat to layer (env: ENTITYSTREAM_CONFIG, comma separated)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("ENTITYSTREAM_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides the config file (env: ENTITYSTREAM_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("ENTITYSTREAM_LOG_FORMAT", ""),
		"Log format: json, text; overrides the config file (env: ENTITYSTREAM_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("ENTITYSTREAM_SHUTDOWN_TIMEOUT", 15*time.Second),
		"Graceful shutdown timeout (env: ENTITYSTREAM_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", getEnvBool("ENTITYSTREAM_VALIDATE", false),
		"Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if len(cfg.ConfigPaths) == 0 {
		if env := getEnv("ENTITYSTREAM_CONFIG", ""); env != "" {
			cfg.ConfigPaths = strings.Split(env, ",")
		}
	}
	return cfg, validateFlags(cfg)
}

func validateFlags(cfg *CLIConfig) error {
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(fs.Output(), `%s - live entity values for dashboards

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(fs.Output(), `
Examples:
  # Layer a site override on the base config
  %s --config=configs/base.yaml --config=configs/site-a.yaml

  # Use NATS instead of MQTT
  ENTITYSTREAM_BUS_TRANSPORT=nats ENTITYSTREAM_BUS_URL=nats://localhost:4222 %s

  # Validate configuration only
  %s --config=configs/base.yaml --validate

Send SIGHUP to reload configuration. Log level and bus token changes apply live.

Version: %s
`, appName, appName, appName, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
