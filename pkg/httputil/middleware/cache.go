package middleware

import (
	"sync"
	"time"
)

// Cache is an in-memory map whose entries expire after a period without
// access.
type Cache[V any] struct {
	items map[string]cacheItem[V]
	now   func() time.Time
	ttl   time.Duration
	mu    sync.Mutex
}

type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

// NewCache creates a cache whose entries live for ttl after their last use.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		items: make(map[string]cacheItem[V]),
		now:   time.Now,
		ttl:   ttl,
	}
}

// GetOrCreate returns the live value for key, or stores and returns
// create() if there is none. Either way the entry's expiry is extended.
func (c *Cache[V]) GetOrCreate(key string, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	item, found := c.items[key]
	if !found || now.After(item.expiration) {
		item.value = create()
	}
	item.expiration = now.Add(c.ttl)
	c.items[key] = item
	return item.value
}

// Get retrieves a live item without extending it.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		var zero V
		return zero, false
	}
	if c.now().After(item.expiration) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return item.value, true
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanupExpired removes expired items from the cache
func (c *Cache[V]) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
		}
	}
}
