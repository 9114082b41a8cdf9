// Package health reports component health as healthy, degraded or unhealthy.
//
// Components either push their status into a Monitor or register a Probe that is
// evaluated on every read. The aggregate is unhealthy if any component is, degraded
// if any component is, and healthy otherwise.
//
//	monitor := health.NewMonitor()
//	monitor.Register("livestate", hub.Health)
//	monitor.Register("gateway", gw.Health)
//	http.Handle("/health", health.Handler(monitor, "entitystream"))
//
// The bus connection maps onto the three states via FromConnectionState: CONNECTED
// is healthy, CONNECTING and RECONNECTING are degraded, DISCONNECTED is unhealthy.
//
// Error text attached with WithError is sanitized so broker URLs, addresses and
// tokens never leave the process through /health.
package health
