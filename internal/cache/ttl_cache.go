package cache

import (
	"sync"
	"time"
)

// Cache is a minimal read-through TTL cache. It is never authoritative:
// every correctness-critical read goes to the store, the cache only absorbs
// hot-path lookups and is invalidated synchronously on writes.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
}

type entry[V any] struct {
	value    V
	deadline int64 // unix nanos; zero means no expiry
}

// TTLCache is an in-memory Cache with per-entry TTLs. Expired entries are
// dropped lazily on read and opportunistically pruned on write.
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]entry[V]
	writes  int
	pruneAt int
}

// NewTTLCache builds an empty TTLCache.
func NewTTLCache[K comparable, V any]() *TTLCache[K, V] {
	return &TTLCache[K, V]{items: make(map[K]entry[V]), pruneAt: 256}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if item.deadline != 0 && time.Now().UnixNano() > item.deadline {
		c.Delete(key)
		return zero, false
	}
	return item.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var deadline int64
	if ttl > 0 {
		deadline = time.Now().Add(ttl).UnixNano()
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, deadline: deadline}
	c.writes++
	if c.writes >= c.pruneAt {
		c.pruneLocked()
		c.writes = 0
	}
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) pruneLocked() {
	now := time.Now().UnixNano()
	for key, item := range c.items {
		if item.deadline != 0 && now > item.deadline {
			delete(c.items, key)
		}
	}
}
