// Package livestate ties the bus client, entity cache, listener registry and batching
// dispatcher into one Hub per client session.
//
// Entity updates arrive on <prefix>/entity/+ and are written to the cache before any
// listener is told about them. Dashboard exchange notifications arrive on
// <prefix>/dashboard/<id>/exchange; ids without inline values are re-fetched from the
// StatusSource on a worker pool and listeners are notified afterwards. Listeners are
// never called synchronously from the bus: the dispatcher coalesces changes per
// dashboard and flushes once per window.
//
// The exchange subscription of a dashboard opens with its first listener or with
// LoadDashboard, and closes with its last listener unless the dashboard is loaded.
// After a reconnect, loaded dashboards are re-seeded since updates published while
// the bus was down are lost.
package livestate
