package core

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

// DedupCache is tier 1 of idempotency: an LRU of keys known to be applied.
// Tier 2 is the store's unique claim inside the applying transaction, which is
// authoritative. A miss here proves nothing; a hit is always a real duplicate.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[dedupKey]*list.Element
	lruList  *list.List

	evictions int64
}

type dedupKey struct {
	tournament uuid.UUID
	key        string
}

func NewDedupCache(capacity int) *DedupCache {
	if capacity < 1 {
		capacity = 1
	}
	return &DedupCache{
		capacity: capacity,
		cache:    make(map[dedupKey]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (c *DedupCache) Contains(tournamentID uuid.UUID, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.cache[dedupKey{tournamentID, key}]
	if exists {
		c.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add records an applied key, evicting the least recently used beyond capacity.
func (c *DedupCache) Add(tournamentID uuid.UUID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := dedupKey{tournamentID, key}
	if elem, exists := c.cache[k]; exists {
		c.lruList.MoveToFront(elem)
		return
	}

	c.cache[k] = c.lruList.PushFront(k)
	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		c.lruList.Remove(oldest)
		delete(c.cache, oldest.Value.(dedupKey))
		c.evictions++
	}
}

// Size returns current number of entries
func (c *DedupCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (c *DedupCache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
