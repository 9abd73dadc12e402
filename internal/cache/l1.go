package cache

import (
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// l1Entry carries a value with its own expiry so hot entries can have
// different TTLs inside one LRU.
type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// l1Cache is the in-process tier: an LRU bounded by entry count with
// per-entry TTL checked on read. A single mutex guards the LRU; lookups are
// cheap enough that sharding has not been needed.
type l1Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, l1Entry]
}

func newL1Cache(maxEntries int) (*l1Cache, error) {
	c, err := lru.New[string, l1Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &l1Cache{lru: c}, nil
}

func (c *l1Cache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (c *l1Cache) set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, l1Entry{value: value, expiresAt: time.Now().Add(ttl)})
}

func (c *l1Cache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// invalidate removes every key matching the glob pattern and returns how many
// entries were dropped.
func (c *l1Cache) invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.lru.Keys() {
		if matched, err := path.Match(pattern, key); err == nil && matched {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *l1Cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
