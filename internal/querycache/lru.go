// Package querycache memoises expensive graph reads (traversals, stats, cost
// attribution) behind a TTL-aware LRU.
package querycache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// LRUCache is a bounded cache with per-entry TTL. Only Get refreshes recency;
// overwriting a key with Set keeps its position. Safe for concurrent use.
type LRUCache[K comparable, V any] struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[K, *entry[V]]
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time
	onEvict    func(K, V)

	hits, misses, evictions uint64
}

// LRUOption configures an LRUCache.
type LRUOption[K comparable, V any] func(*LRUCache[K, V])

// WithClock replaces time.Now for TTL checks.
func WithClock[K comparable, V any](now func() time.Time) LRUOption[K, V] {
	return func(c *LRUCache[K, V]) { c.now = now }
}

// WithEvictHook is called for entries dropped to make room, not for explicit removals.
func WithEvictHook[K comparable, V any](fn func(K, V)) LRUOption[K, V] {
	return func(c *LRUCache[K, V]) { c.onEvict = fn }
}

// NewLRUCache creates a cache holding at most maxEntries (minimum 1). A zero
// defaultTTL keeps entries until evicted.
func NewLRUCache[K comparable, V any](maxEntries int, defaultTTL time.Duration, opts ...LRUOption[K, V]) *LRUCache[K, V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	l, _ := simplelru.NewLRU[K, *entry[V]](maxEntries, nil)
	c := &LRUCache[K, V]{
		lru:        l,
		capacity:   maxEntries,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Set stores v under k. ttl overrides the default when positive.
func (c *LRUCache[K, V]) Set(k K, v V, ttl ...time.Duration) {
	d := c.defaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}
	var exp time.Time
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		exp = c.now().Add(d)
	}
	if e, ok := c.lru.Peek(k); ok {
		e.value = v
		e.expiresAt = exp
		return
	}
	if c.lru.Len() >= c.capacity {
		if oldKey, old, ok := c.lru.RemoveOldest(); ok {
			c.evictions++
			if c.onEvict != nil {
				c.onEvict(oldKey, old.value)
			}
		}
	}
	c.lru.Add(k, &entry[V]{value: v, expiresAt: exp})
}

// Get returns the live value for k and marks it most recently used. Expired
// entries are removed and reported as a miss.
func (c *LRUCache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.lru.Get(k)
	if !ok {
		c.misses++
		return zero, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(k)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Has reports whether k holds a live value without touching recency or counters.
func (c *LRUCache[K, V]) Has(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(k)
	if !ok {
		return false
	}
	if e.expired(c.now()) {
		c.lru.Remove(k)
		return false
	}
	return true
}

func (c *LRUCache[K, V]) Delete(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(k)
}

// InvalidateMatching removes every key for which pred is true.
func (c *LRUCache[K, V]) InvalidateMatching(pred func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.lru.Keys() {
		if pred(k) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// Prune removes all expired entries.
func (c *LRUCache[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.expired(now) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len counts stored entries, including expired ones not yet pruned.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns keys oldest first.
func (c *LRUCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *LRUCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
