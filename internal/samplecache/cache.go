// Package samplecache keeps the most recent raw samples of each resolved
// target so that rate metrics can be computed between two polls.
package samplecache

import (
	"sync"
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
)

// Point is one timestamped raw value.
type Point struct {
	At    time.Time
	Value float64
}

// Family holds the two newest points of one raw counter.
type Family struct {
	Previous    Point
	Current     Point
	HasPrevious bool
}

// Entry is the sample history of one resolved target, keyed by raw key.
type Entry struct {
	families map[string]Family
}

// Latest returns the newest recorded point of key.
func (e Entry) Latest(key string) (Point, bool) {
	f, ok := e.families[key]
	if !ok {
		return Point{}, false
	}
	return f.Current, true
}

// Family returns both retained points of key.
func (e Entry) Family(key string) (Family, bool) {
	f, ok := e.families[key]
	return f, ok
}

// Len returns the number of tracked raw keys.
func (e Entry) Len() int { return len(e.families) }

// Cache is the sample store of one observer. Entries are created on first
// record and live until Release, Retain or Clear removes them. A closed
// cache stays empty.
type Cache struct {
	mu      sync.Mutex
	entries map[string]map[string]Family
	closed  bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]map[string]Family)}
}

// Get returns a copy of the entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	families, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	cp := make(map[string]Family, len(families))
	for k, f := range families {
		cp[k] = f
	}
	return Entry{families: cp}, true
}

// Record pushes snap into the entry of id. For every key in the snapshot the
// current point becomes the previous one; older points are dropped. It
// reports false when the cache is closed and nothing was stored.
func (c *Cache) Record(id string, snap models.Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	families, ok := c.entries[id]
	if !ok {
		families = make(map[string]Family, len(snap.Values))
		c.entries[id] = families
	}
	for key, v := range snap.Values {
		next := Family{Current: Point{At: snap.Timestamp, Value: v}}
		if prev, ok := families[key]; ok {
			next.Previous = prev.Current
			next.HasPrevious = true
		}
		families[key] = next
	}
	return true
}

// Release drops the entry of id.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Retain drops every entry whose id is not in ids and returns the number of
// entries removed.
func (c *Cache) Retain(ids []string) int {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id := range c.entries {
		if _, ok := keep[id]; !ok {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]map[string]Family)
}

// Close drops every entry and makes later Record calls no-ops.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = make(map[string]map[string]Family)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
