// Package respcache is the bounded in-memory response cache. Keys embed the
// tenant scope and connector slug, so entries of different tenants can never
// collide. Eviction drops expired entries first, then the oldest insertion.
package respcache

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the per-process cache size.
const DefaultMaxEntries = 1000

// Entry is one cached upstream response.
type Entry struct {
	Body   []byte
	Status int
	Header http.Header
}

type item struct {
	entry     Entry
	seq       uint64
	expiresAt time.Time
}

type orderRef struct {
	key string
	seq uint64
}

// Cache is a process-wide TTL cache with insertion-order eviction. All
// methods are safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*item
	order      []orderRef // insertion order; stale refs skipped lazily
	seq        uint64

	now func() time.Time // test hook
}

// New creates a cache bounded to maxEntries (DefaultMaxEntries when <= 0).
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		maxEntries: maxEntries,
		entries:    make(map[string]*item),
		now:        time.Now,
	}
}

// BuildKey produces the deterministic cache key for a request. The body hash
// is FNV-1a: collisions only reduce the hit rate, never cross tenants,
// because the scope and slug are part of the key.
func BuildKey(scopeID, slug, method, path string, body []byte) string {
	key := scopeID + ":" + slug + ":" + method + ":" + path
	if len(body) > 0 {
		h := fnv.New64a()
		h.Write(body)
		key += ":" + strconv.FormatUint(h.Sum64(), 16)
	}
	return key
}

// Get returns the entry for key if present and not expired. Expired entries
// are deleted on access.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.now().After(it.expiresAt) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return it.entry, true
}

// Set inserts an entry with the given TTL, evicting expired entries first
// and then the oldest insertion when over capacity.
func (c *Cache) Set(key string, e Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictExpiredLocked()
	}
	for len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.seq++
	c.entries[key] = &item{entry: e, seq: c.seq, expiresAt: c.now().Add(ttl)}
	c.order = append(c.order, orderRef{key: key, seq: c.seq})

	// Overwrites, expiry deletes, and invalidations leave stale refs behind.
	// Compact once the queue holds more dead refs than live entries, keeping
	// it bounded even when the map never reaches capacity.
	if len(c.order) > 2*c.maxEntries {
		c.compactOrderLocked()
	}
}

// Invalidate removes all entries whose key begins with "<scopeID>:<slug>:".
func (c *Cache) Invalidate(scopeID, slug string) {
	prefix := scopeID + ":" + slug + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictExpiredLocked() {
	now := c.now()
	for k, it := range c.entries {
		if now.After(it.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// evictOldestLocked pops the front of the insertion queue, skipping refs
// whose entry was deleted or overwritten since.
func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		ref := c.order[0]
		c.order = c.order[1:]
		if it, ok := c.entries[ref.key]; ok && it.seq == ref.seq {
			delete(c.entries, ref.key)
			return
		}
	}
	// Queue exhausted but map non-empty: rebuild should be impossible, but
	// degrade by dropping an arbitrary entry rather than growing unbounded.
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

// compactOrderLocked rebuilds the insertion queue from refs that still back a
// live entry, preserving their relative order. The fresh allocation releases
// the grown backing array.
func (c *Cache) compactOrderLocked() {
	live := make([]orderRef, 0, len(c.entries))
	for _, ref := range c.order {
		if it, ok := c.entries[ref.key]; ok && it.seq == ref.seq {
			live = append(live, ref)
		}
	}
	c.order = live
}

// String implements fmt.Stringer for debug logging.
func (c *Cache) String() string {
	return fmt.Sprintf("respcache(len=%d, max=%d)", c.Len(), c.maxEntries)
}
