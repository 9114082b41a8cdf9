package entitycache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/types"
)

// Cache maps EntityID to the latest EntityValue snapshot. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	items   map[types.EntityID]types.EntityValue
	stats   *Statistics
	metrics *cacheMetrics
	logger  *slog.Logger
	onEvict EvictCallback
}

// New creates an empty cache. It fails only when metrics registration fails.
func New(opts ...Option) (*Cache, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	var m *cacheMetrics
	if o.metricsReg != nil {
		var err error
		m, err = newCacheMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "entitycache", "New", "metrics registration")
		}
	}

	return &Cache{
		items:   make(map[types.EntityID]types.EntityValue),
		stats:   newStatistics(),
		metrics: m,
		logger:  o.logger,
		onEvict: o.onEvict,
	}, nil
}

// Seed merge-inserts a batch of snapshots, overwriting existing entries for the same ids.
// The whole batch is applied under one lock. Entries with an empty id are skipped.
func (c *Cache) Seed(values []types.EntityValue) int {
	if len(values) == 0 {
		return 0
	}

	written := 0
	c.mu.Lock()
	for _, v := range values {
		if v.EntityID == "" {
			continue
		}
		c.items[v.EntityID] = v
		written++
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.seeded.Add(int64(written))
	c.stats.updateSize(size)
	c.metrics.write("seed", written)
	c.metrics.setSize(size)

	c.logger.Debug("Seeded entity cache", "entries", written, "size", size)
	return written
}

// Update upserts a single entity and returns the stored snapshot.
// Last write wins by call order; updatedAt is recorded but never compared.
func (c *Cache) Update(id types.EntityID, value any, updatedAt time.Time) types.EntityValue {
	v := types.NewEntityValue(id, value, updatedAt)
	c.Put(v)
	return v
}

// Put stores a decoded snapshot as-is, keeping its attributes
func (c *Cache) Put(v types.EntityValue) {
	if v.EntityID == "" {
		return
	}

	c.mu.Lock()
	c.items[v.EntityID] = v
	size := len(c.items)
	c.mu.Unlock()

	c.stats.updates.Add(1)
	c.stats.updateSize(size)
	c.metrics.write("update", 1)
	c.metrics.setSize(size)
}

// Get returns the snapshot for id
func (c *Cache) Get(id types.EntityID) (types.EntityValue, bool) {
	c.mu.RLock()
	v, ok := c.items[id]
	c.mu.RUnlock()

	c.recordLookup(ok)
	return v, ok
}

// GetMany returns the snapshots for the ids that are present. Missing ids are omitted.
func (c *Cache) GetMany(ids []types.EntityID) map[types.EntityID]types.EntityValue {
	out := make(map[types.EntityID]types.EntityValue, len(ids))

	c.mu.RLock()
	for _, id := range ids {
		if v, ok := c.items[id]; ok {
			out[id] = v
		}
	}
	c.mu.RUnlock()

	for _, id := range ids {
		_, ok := out[id]
		c.recordLookup(ok)
	}
	return out
}

// Delete removes id. Returns false when it was not cached.
func (c *Cache) Delete(id types.EntityID) bool {
	c.mu.Lock()
	v, ok := c.items[id]
	if ok {
		delete(c.items, id)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !ok {
		return false
	}

	c.stats.deletes.Add(1)
	c.stats.updateSize(size)
	c.metrics.remove(EvictDeleted, 1)
	c.metrics.setSize(size)

	if c.onEvict != nil {
		c.onEvict(EvictDeleted, v)
	}
	return true
}

// Retain evicts every entry whose id is not in keep and returns how many were removed.
func (c *Cache) Retain(keep types.EntitySet) int {
	var evicted []types.EntityValue

	c.mu.Lock()
	for id, v := range c.items {
		if keep.Has(id) {
			continue
		}
		delete(c.items, id)
		evicted = append(evicted, v)
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(evicted) == 0 {
		return 0
	}

	c.stats.evictions.Add(int64(len(evicted)))
	c.stats.updateSize(size)
	c.metrics.remove(EvictUnreferenced, len(evicted))
	c.metrics.setSize(size)

	if c.onEvict != nil {
		for _, v := range evicted {
			c.onEvict(EvictUnreferenced, v)
		}
	}

	c.logger.Debug("Evicted unreferenced entities", "evicted", len(evicted), "size", size)
	return len(evicted)
}

// Size returns the number of cached entities
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns every cached id
func (c *Cache) Keys() []types.EntityID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]types.EntityID, 0, len(c.items))
	for id := range c.items {
		keys = append(keys, id)
	}
	return keys
}

// Stats returns the live statistics
func (c *Cache) Stats() *Statistics {
	return c.stats
}

func (c *Cache) recordLookup(hit bool) {
	if hit {
		c.stats.hits.Add(1)
	} else {
		c.stats.misses.Add(1)
	}
	c.metrics.lookup(hit)
}
