// Package metric provides the Prometheus registry and HTTP endpoint for entitystream.
//
// A MetricsRegistry owns a private prometheus.Registry preloaded with the core pipeline
// metrics (bus state, inbound message counts, decode failures, listener registrations,
// status fetch latency) plus the Go and process collectors. Components that want their
// own series register them through the MetricsRegistrar interface, keyed by
// serviceName.metricName so the same component cannot register twice.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry,
//	    metric.WithHealthHandler(monitor.Handler()))
//	go server.Start()
//	defer server.Shutdown(ctx)
//
// Every Record* method on Metrics tolerates a nil receiver so metrics stay optional.
package metric
