// Package entitycache holds the latest known value of every entity visible on an open
// dashboard.
//
// The cache is keyed by EntityID and keeps exactly one snapshot per id. Writes replace
// the snapshot in arrival order (last write wins, no timestamp comparison), and every
// mutation is atomic with respect to concurrent reads. A Seed of many values is applied
// under a single lock so readers never observe a partially applied bulk load.
//
// The cache never notifies listeners itself; callers (the hub) update the cache first
// and then hand the changed ids to the listener registry.
//
//	cache, err := entitycache.New(entitycache.WithMetrics(registry, "hub"))
//	cache.Seed(values)
//	v, ok := cache.Get("temp-1")
//
// Statistics are always collected. Prometheus series are registered only when a
// metrics registry is supplied.
package entitycache
