// Package config loads entitystream configuration.
//
// A Loader starts from Default, merges each file layer in order (JSON, or YAML for
// .yaml/.yml files), applies ENTITYSTREAM_* environment overrides and validates the
// result. Durations are written as Go duration strings ("300ms", "30s", "14d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.yaml")
//	cfg, err := loader.Load()
//
// Environment overrides use PREFIX_SECTION_FIELD names:
//
//	ENTITYSTREAM_BUS_TRANSPORT=nats
//	ENTITYSTREAM_BUS_URL=nats://broker:4222
//	ENTITYSTREAM_STATUS_URL=https://api.example.com
//	ENTITYSTREAM_DISPATCH_WINDOW=250ms
//	ENTITYSTREAM_LOG_LEVEL=debug
//
// Layers are capped at 1 MiB and 16 levels of nesting. Override values longer than 4096
// bytes or holding NUL, CR or LF fail the load.
//
// bus.tls and status.tls hold client TLS settings, gateway.tls the listener's.
//
// SafeConfig guards a Config behind an RWMutex and hands out deep copies. Manager
// re-runs the Loader on a trigger (the binary uses SIGHUP) and notifies OnChange
// subscribers of each changed top-level section.
package config
