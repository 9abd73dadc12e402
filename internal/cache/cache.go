// Package cache implements the two-tier discovery cache: a small in-process
// LRU in front of an optional Redis tier. Both tiers are best-effort; a
// backend failure is a miss, never an error surfaced to the caller.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"git.home.luguber.info/inful/prmonitor/internal/logfields"
)

// l1MaxTTL bounds how stale the in-process tier may get. L2 hits are
// back-filled into L1 with at most this TTL regardless of the logical TTL.
const l1MaxTTL = 60 * time.Second

// Stats are the cache's monotonic counters plus derived rates.
type Stats struct {
	L1Hits    uint64  `json:"l1_hits"`
	L2Hits    uint64  `json:"l2_hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Errors    uint64  `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
	L1HitRate float64 `json:"l1_hit_rate"`
}

// LayerHealth reports one tier's round-trip probe result.
type LayerHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// TwoTier is the discovery cache. With no Redis client configured it degrades
// to L1-only without any user-visible error.
type TwoTier struct {
	l1 *l1Cache
	l2 redis.UniversalClient // nil when no distributed tier is configured

	l1Hits atomic.Uint64
	l2Hits atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
	errors atomic.Uint64
}

// Options configures the cache.
type Options struct {
	// RedisURL selects the L2 tier; empty means L1-only.
	RedisURL string
	// L1MaxEntries bounds the in-process LRU.
	L1MaxEntries int
}

// New builds a TwoTier cache. A bad Redis URL is an error (misconfiguration),
// but an unreachable Redis at runtime only degrades the cache.
func New(opts Options) (*TwoTier, error) {
	if opts.L1MaxEntries <= 0 {
		opts.L1MaxEntries = 2048
	}
	l1, err := newL1Cache(opts.L1MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}

	c := &TwoTier{l1: l1}
	if opts.RedisURL != "" {
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse cache url: %w", err)
		}
		c.l2 = redis.NewClient(redisOpts)
	}
	return c, nil
}

// Get returns the cached bytes for key, consulting L1 then L2. An L2 hit is
// back-filled into L1 with a short TTL.
func (c *TwoTier) Get(ctx context.Context, key string) ([]byte, bool) {
	key = normalizeKey(key)

	if value, ok := c.l1.get(key); ok {
		c.l1Hits.Add(1)
		return value, true
	}

	if c.l2 != nil {
		value, err := c.l2.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			c.l2Hits.Add(1)
			c.l1.set(key, value, l1MaxTTL)
			return value, true
		case err != redis.Nil:
			c.errors.Add(1)
			slog.Debug("cache l2 get failed", logfields.Error(err))
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Set writes to both tiers. The L1 TTL is min(ttl, 60s) to keep hot data
// fresh; the logical TTL applies to L2.
func (c *TwoTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	key = normalizeKey(key)
	c.sets.Add(1)

	l1TTL := ttl
	if l1TTL > l1MaxTTL {
		l1TTL = l1MaxTTL
	}
	c.l1.set(key, value, l1TTL)

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, value, ttl).Err(); err != nil {
			c.errors.Add(1)
			slog.Debug("cache l2 set failed", logfields.Error(err))
		}
	}
}

// SetJSON marshals value and stores it under key.
func (c *TwoTier) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.errors.Add(1)
		slog.Debug("cache marshal failed", logfields.Error(err))
		return
	}
	c.Set(ctx, key, data, ttl)
}

// GetJSON reads key and unmarshals into out.
func (c *TwoTier) GetJSON(ctx context.Context, key string, out any) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.errors.Add(1)
		return false
	}
	return true
}

// GetWithETag returns the cached value and its companion ETag. Both must be
// present for a hit.
func (c *TwoTier) GetWithETag(ctx context.Context, key string) ([]byte, string, bool) {
	value, ok := c.Get(ctx, key)
	if !ok {
		return nil, "", false
	}
	etag, ok := c.Get(ctx, etagKey(key))
	if !ok {
		return nil, "", false
	}
	return value, string(etag), true
}

// SetWithETag stores value and its ETag companion together.
func (c *TwoTier) SetWithETag(ctx context.Context, key string, value []byte, etag string, ttl time.Duration) {
	c.Set(ctx, key, value, ttl)
	c.Set(ctx, etagKey(key), []byte(etag), ttl)
}

// Delete removes a key (and its ETag companion) from both tiers.
func (c *TwoTier) Delete(ctx context.Context, key string) {
	for _, k := range []string{normalizeKey(key), etagKey(key)} {
		c.l1.delete(k)
		if c.l2 != nil {
			if err := c.l2.Del(ctx, k).Err(); err != nil {
				c.errors.Add(1)
			}
		}
	}
}

// Invalidate removes all keys matching the glob pattern from both tiers,
// including ETag companions. Returns how many L1 entries were dropped.
func (c *TwoTier) Invalidate(ctx context.Context, pattern string) int {
	removed := c.l1.invalidate(pattern)
	removed += c.l1.invalidate(pattern + etagSuffix)

	if c.l2 != nil {
		for _, p := range []string{pattern, pattern + etagSuffix} {
			keys, err := c.l2.Keys(ctx, p).Result()
			if err != nil {
				c.errors.Add(1)
				continue
			}
			if len(keys) > 0 {
				if err := c.l2.Del(ctx, keys...).Err(); err != nil {
					c.errors.Add(1)
				}
			}
		}
	}
	return removed
}

// Stats returns a snapshot of the counters with derived hit rates.
func (c *TwoTier) Stats() Stats {
	s := Stats{
		L1Hits: c.l1Hits.Load(),
		L2Hits: c.l2Hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
		Errors: c.errors.Load(),
	}
	lookups := s.L1Hits + s.L2Hits + s.Misses
	if lookups > 0 {
		s.HitRate = float64(s.L1Hits+s.L2Hits) / float64(lookups)
		s.L1HitRate = float64(s.L1Hits) / float64(lookups)
	}
	return s
}

// HealthCheck round-trips a probe key through each tier.
func (c *TwoTier) HealthCheck(ctx context.Context) []LayerHealth {
	probe := fmt.Sprintf("health:probe:%d", time.Now().UnixNano())
	var out []LayerHealth

	c.l1.set(probe, []byte("ok"), time.Second)
	_, ok := c.l1.get(probe)
	c.l1.delete(probe)
	health := LayerHealth{Name: "l1", Healthy: ok}
	if !ok {
		health.Message = "l1 round-trip failed"
	}
	out = append(out, health)

	if c.l2 != nil {
		health := LayerHealth{Name: "l2", Healthy: true}
		err := c.l2.Set(ctx, probe, "ok", time.Second).Err()
		if err == nil {
			err = c.l2.Get(ctx, probe).Err()
		}
		if err == nil {
			err = c.l2.Del(ctx, probe).Err()
		}
		if err != nil {
			health.Healthy = false
			health.Message = err.Error()
		}
		out = append(out, health)
	}
	return out
}

// Close releases the L2 connection.
func (c *TwoTier) Close() error {
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}
