package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a fixed-capacity cache with per-entry expiration and
// least-recently-used eviction. Expiration bounds staleness; the capacity
// bound evicts not-yet-expired entries under memory pressure, oldest
// recency first (insertion order for never-read entries).
//
// All methods are safe for concurrent use.
type TTLCache[K comparable, V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, *entry[V]]

	capacity int
	ttl      time.Duration

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	now func() time.Time
}

// Stats is a point-in-time snapshot of cache counters, for diagnostics.
type Stats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

func NewTTLCache[K comparable, V any](capacity int, ttl time.Duration) (*TTLCache[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	lru, err := simplelru.NewLRU[K, *entry[V]](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &TTLCache[K, V]{
		lru:      lru,
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Get returns the live value for key. An expired entry is removed and
// reported as a miss. A hit moves the entry to most-recently-used.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if c.now().After(ent.expiresAt) {
		c.lru.Remove(key)
		c.expired++
		c.misses++
		return zero, false
	}
	c.lru.Get(key)
	c.hits++
	return ent.value, true
}

// Set inserts or replaces the entry for key using the cache's default TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL inserts or replaces the entry for key with an explicit TTL.
// If the insertion would exceed capacity, the least-recently-used entry is
// evicted first.
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		c.lru.RemoveOldest()
		c.evictions++
	}
	c.lru.Add(key, &entry[V]{
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
}

// Invalidate removes key if present. Removing an absent key is a no-op.
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Purge removes every entry.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Sweep removes all expired entries and returns how many were removed.
// Called periodically by Manager; safe to call concurrently with Get/Set.
func (c *TTLCache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, k := range c.lru.Keys() {
		ent, ok := c.lru.Peek(k)
		if ok && now.After(ent.expiresAt) {
			c.lru.Remove(k)
			removed++
		}
	}
	c.expired += uint64(removed)
	return removed
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *TTLCache[K, V]) Cap() int {
	return c.capacity
}

func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}
