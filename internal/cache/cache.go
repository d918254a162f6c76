// ABOUTME: Thread-safe TTL cache whose keys always include the owning tenant id.
// ABOUTME: Used to memoize per-tenant artifacts such as A2A task results.

package cache

import (
	"container/list"
	"sync"
	"time"
)

// key is the composite cache key. There is no way to address an entry
// without naming its tenant.
type key struct {
	tenantID string
	id       string
}

// entry stores the value, its timestamp and its list element.
type entry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited cache keyed by
// (tenant id, id). Uses a doubly-linked list to maintain insertion order for
// O(1) eviction.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[key]*entry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[key]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *Cache[V]) live(e *entry[V]) bool {
	return c.now().Sub(e.timestamp) < c.ttl
}

// Get returns the value stored for (tenantID, id) if present and not expired.
func (c *Cache[V]) Get(tenantID, id string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key{tenantID, id}]
	if !ok || !c.live(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores a value, replacing any existing one. If the cache is at
// capacity the oldest entry is evicted to make room.
func (c *Cache[V]) Put(tenantID, id string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key{tenantID, id}, v)
}

// PutIfAbsent atomically stores v unless a live entry exists.
// Returns true if the key was already present (v not stored).
func (c *Cache[V]) PutIfAbsent(tenantID, id string, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{tenantID, id}
	if e, ok := c.entries[k]; ok && c.live(e) {
		return true
	}
	c.putLocked(k, v)
	return false
}

// Update atomically replaces a live entry with fn(old). Returns false if
// there is no live entry.
func (c *Cache[V]) Update(tenantID, id string, fn func(V) V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key{tenantID, id}]
	if !ok || !c.live(e) {
		return false
	}
	e.value = fn(e.value)
	return true
}

// Delete removes an entry.
func (c *Cache[V]) Delete(tenantID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{tenantID, id}
	if e, ok := c.entries[k]; ok {
		c.order.Remove(e.element)
		delete(c.entries, k)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// putLocked is the internal put implementation. Must be called with mu held.
func (c *Cache[V]) putLocked(k key, v V) {
	now := c.now()

	// If key already exists, update value and timestamp and move to back
	if e, exists := c.entries[k]; exists {
		e.value = v
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(k)
	c.entries[k] = &entry[V]{
		value:     v,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	k, _ := front.Value.(key)
	c.order.Remove(front)
	delete(c.entries, k)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !c.live(e) {
			c.order.Remove(e.element)
			delete(c.entries, k)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
