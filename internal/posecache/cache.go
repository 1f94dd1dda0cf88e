// Package posecache keeps the latest pose sample per entity name.
//
// Producers overwrite, they never enqueue: a burst of samples for one entity
// between two reads keeps only the last. Readers take a point-in-time copy so
// the snapshot builder can work without holding the lock.
package posecache

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/mocap-obstacles/internal/geom"
)

// Cache maps entity name to its most recent PoseSample.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]geom.PoseSample

	updates atomic.Uint64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]geom.PoseSample)}
}

// Update stores sample as the latest observation of name. Last write wins;
// stamps are not compared, so a late out-of-order sample replaces a newer one.
func (c *Cache) Update(name string, sample geom.PoseSample) {
	c.mu.Lock()
	c.entries[name] = sample
	c.mu.Unlock()
	c.updates.Add(1)
}

// Snapshot returns a copy of every entry. Each entry is whole; entries may
// come from different producer instants.
func (c *Cache) Snapshot() map[string]geom.PoseSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]geom.PoseSample, len(c.entries))
	for name, s := range c.entries {
		out[name] = s
	}
	return out
}

// Get returns the latest sample for name.
func (c *Cache) Get(name string) (geom.PoseSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[name]
	return s, ok
}

// Len returns the number of entities observed at least once.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Updates returns the total number of Update calls.
func (c *Cache) Updates() uint64 {
	return c.updates.Load()
}
