package query

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// DefaultTTL is how long a cached result is served.
const DefaultTTL = 30 * time.Second

type cacheEntry struct {
	value   any
	kinds   []store.Kind
	expires time.Time
}

// CacheStats are cache counters.
type CacheStats struct {
	Entries       int    `json:"entries"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
}

// Cache is a short-lived result cache keyed by query shape and a hash of
// the filter. Entries name the record kinds they were read from so a write
// to one kind drops only the results that depend on it.
type Cache struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]cacheEntry
	byKind  map[store.Kind]map[string]struct{}
	// gens counts invalidations per kind and epoch counts clears. A result
	// computed across a bump is stale and is not stored.
	gens  map[store.Kind]uint64
	epoch uint64
	stats CacheStats
}

// NewCache creates a cache. A ttl of zero uses DefaultTTL; a negative ttl
// disables caching.
func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Cache{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]cacheEntry),
		byKind:  make(map[store.Kind]map[string]struct{}),
		gens:    make(map[store.Kind]uint64),
	}
}

// Key builds a cache key from a query shape and its filter.
func Key(shape string, filter any) string {
	h := fnv.New64a()
	b, err := json.Marshal(filter)
	if err != nil {
		fmt.Fprintf(h, "%#v", filter)
	} else {
		h.Write(b)
	}
	return fmt.Sprintf("%s:%016x", shape, h.Sum64())
}

// Get returns a live entry.
func (c *Cache) Get(key string) (any, bool) {
	if c.ttl < 0 {
		return nil, false
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expires) {
		if ok {
			c.remove(key, e)
		}
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

// Stamp returns the current generation of kinds. Take it before computing
// a result and hand it to PutAt.
func (c *Cache) Stamp(kinds []store.Kind) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stampLocked(kinds)
}

func (c *Cache) stampLocked(kinds []store.Kind) uint64 {
	n := c.epoch
	for _, k := range kinds {
		n += c.gens[k]
	}
	return n
}

// Put stores v under key.
func (c *Cache) Put(key string, kinds []store.Kind, v any) {
	if c.ttl < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, kinds, v)
}

// PutAt stores v only if none of kinds was invalidated since stamp was
// taken. It reports whether v was stored.
func (c *Cache) PutAt(key string, kinds []store.Kind, stamp uint64, v any) bool {
	if c.ttl < 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stampLocked(kinds) != stamp {
		return false
	}
	c.putLocked(key, kinds, v)
	return true
}

func (c *Cache) putLocked(key string, kinds []store.Kind, v any) {
	if old, ok := c.entries[key]; ok {
		c.remove(key, old)
	}
	c.entries[key] = cacheEntry{value: v, kinds: kinds, expires: c.clock.Now().Add(c.ttl)}
	for _, k := range kinds {
		keys, ok := c.byKind[k]
		if !ok {
			keys = make(map[string]struct{})
			c.byKind[k] = keys
		}
		keys[key] = struct{}{}
	}
}

// Invalidate drops every entry that depends on kind.
func (c *Cache) Invalidate(kind store.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[kind]++
	keys := c.byKind[kind]
	n := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.remove(key, e)
			n++
		}
	}
	delete(c.byKind, kind)
	if n > 0 {
		c.stats.Invalidations += uint64(n)
	}
	return n
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.byKind = make(map[store.Kind]map[string]struct{})
	c.epoch++
}

// Stats returns the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

func (c *Cache) remove(key string, e cacheEntry) {
	delete(c.entries, key)
	for _, k := range e.kinds {
		if keys, ok := c.byKind[k]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byKind, k)
			}
		}
	}
}
