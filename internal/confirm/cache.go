package confirm

import (
	"container/list"
	"sync"
)

// outcomeCache is the in-process tier in front of the processed markers.
// Markers are never unset before their TTL, so a cached outcome can be
// served without a store round-trip. Safe for concurrent use.
type outcomeCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List

	evictions int64
}

type cacheEntry struct {
	key     string
	outcome Outcome
}

func newOutcomeCache(capacity int) *outcomeCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &outcomeCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached outcome and promotes the entry.
func (c *outcomeCache) Get(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Outcome{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).outcome, true
}

// Add inserts or refreshes an entry, evicting the least recently used one
// when over capacity.
func (c *outcomeCache) Add(key string, out Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).outcome = out
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, outcome: out})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}
}

func (c *outcomeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
