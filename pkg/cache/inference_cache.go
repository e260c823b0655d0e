// Package cache provides the bounded in-memory TTL cache backing response
// deduplication and optional bundle reuse.
package cache

import (
	"sync"
	"time"
)

// =============================================================================
// TTL Cache with O(1) LRU Eviction (Doubly Linked List)
// =============================================================================

// lruNode represents a node in the doubly linked list for O(1) LRU operations
type lruNode struct {
	key  string
	prev *lruNode
	next *lruNode
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Cache is a mutex-serialized TTL cache bounded by max entries. Reads remove
// expired entries before reporting a miss; inserts at capacity evict the
// least recently used entry. A background sweep drops expired entries so the
// map does not accumulate dead weight between reads.
type Cache[V any] struct {
	mu         sync.Mutex
	data       map[string]*entry[V]
	maxEntries int
	defaultTTL time.Duration

	// O(1) LRU tracking with doubly linked list
	lruHead *lruNode // most recently used side (dummy head)
	lruTail *lruNode // least recently used side (dummy tail)
	nodeMap map[string]*lruNode

	hits   int64
	misses int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its sweep goroutine. Close releases it.
func New[V any](maxEntries int, defaultTTL time.Duration) *Cache[V] {
	if maxEntries < 1 {
		maxEntries = 1
	}

	head := &lruNode{}
	tail := &lruNode{}
	head.next = tail
	tail.prev = head

	c := &Cache[V]{
		data:       make(map[string]*entry[V]),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		lruHead:    head,
		lruTail:    tail,
		nodeMap:    make(map[string]*lruNode),
		stopCh:     make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// Close stops the sweep goroutine. Entries remain readable afterwards.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Get returns the live value for key. Expired entries are removed before the
// miss is reported, so readers never observe stale values.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		c.misses++
		return zero, false
	}

	if time.Now().After(e.expiresAt) {
		delete(c.data, key)
		c.removeFromAccessOrder(key)
		c.misses++
		return zero, false
	}

	c.hits++
	c.updateAccessOrder(key)
	return e.value, true
}

// Put stores value under key. A zero ttl uses the cache default. Existing
// keys are overwritten in place.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxEntries {
		c.evictLRU()
	}

	now := time.Now()
	c.data[key] = &entry[V]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	c.updateAccessOrder(key)
}

// Delete removes a key from the cache.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	c.removeFromAccessOrder(key)
}

// Clear removes all entries. Hit/miss counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*entry[V])
	c.lruHead.next = c.lruTail
	c.lruTail.prev = c.lruHead
	c.nodeMap = make(map[string]*lruNode)
}

// Len returns the number of stored entries, expired ones included until the
// next read or sweep touches them.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Stats returns point-in-time cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := float64(0)
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Entries:    len(c.data),
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    hitRate,
		MaxEntries: c.maxEntries,
		DefaultTTL: c.defaultTTL,
	}
}

// Stats contains cache statistics.
type Stats struct {
	Entries    int           `json:"entries"`
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	HitRate    float64       `json:"hit_rate"`
	MaxEntries int           `json:"max_entries"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// =============================================================================
// Internal Methods - O(1) LRU with Doubly Linked List
// =============================================================================

// moveToFront moves a node to the most recently used position.
func (c *Cache[V]) moveToFront(node *lruNode) {
	node.prev.next = node.next
	node.next.prev = node.prev

	node.next = c.lruHead.next
	node.prev = c.lruHead
	c.lruHead.next.prev = node
	c.lruHead.next = node
}

// addToFront inserts a new node at the most recently used position.
func (c *Cache[V]) addToFront(key string) {
	node := &lruNode{key: key}

	node.next = c.lruHead.next
	node.prev = c.lruHead
	c.lruHead.next.prev = node
	c.lruHead.next = node

	c.nodeMap[key] = node
}

func (c *Cache[V]) removeNode(node *lruNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
}

func (c *Cache[V]) updateAccessOrder(key string) {
	if node, ok := c.nodeMap[key]; ok {
		c.moveToFront(node)
	} else {
		c.addToFront(key)
	}
}

func (c *Cache[V]) removeFromAccessOrder(key string) {
	if node, ok := c.nodeMap[key]; ok {
		c.removeNode(node)
		delete(c.nodeMap, key)
	}
}

// evictLRU drops entries from the tail until one slot is free.
func (c *Cache[V]) evictLRU() {
	for len(c.data) >= c.maxEntries && c.lruTail.prev != c.lruHead {
		node := c.lruTail.prev
		delete(c.data, node.key)
		c.removeNode(node)
		delete(c.nodeMap, node.key)
	}
}

func (c *Cache[V]) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache[V]) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, key)
			c.removeFromAccessOrder(key)
		}
	}
}
