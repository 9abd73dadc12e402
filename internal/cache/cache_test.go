package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*TwoTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(Options{RedisURL: "redis://" + mr.Addr(), L1MaxEntries: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "prs:org:repo:all", []byte(`{"n":1}`), 5*time.Minute)
	got, ok := c.Get(ctx, "prs:org:repo:all")
	require.True(t, ok)
	assert.Equal(t, `{"n":1}`, string(got))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.L1Hits)
	assert.Equal(t, uint64(1), stats.Sets)
}

func TestL2BackfillAfterL1Eviction(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 5*time.Minute)
	c.l1.delete("k") // simulate L1 eviction

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(got))
	assert.Equal(t, uint64(1), c.Stats().L2Hits)

	// Back-filled: next read is an L1 hit.
	_, ok = c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().L1Hits)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	c, err := New(Options{L1MaxEntries: 4}) // L1-only
	require.NoError(t, err)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "cache must never return a value past its TTL")
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestETagCoupling(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.SetWithETag(ctx, "prs:o:r:all", []byte("listing"), `"abc"`, time.Minute)

	value, etag, ok := c.GetWithETag(ctx, "prs:o:r:all")
	require.True(t, ok)
	assert.Equal(t, "listing", string(value))
	assert.Equal(t, `"abc"`, etag)

	// Invalidating the key removes the companion too.
	c.Invalidate(ctx, "prs:o:r:*")
	_, _, ok = c.GetWithETag(ctx, "prs:o:r:all")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "prs:o:r:all"+etagSuffix)
	assert.False(t, ok)
}

func TestInvalidatePattern(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "prs:org:alpha:all", []byte("a"), time.Minute)
	c.Set(ctx, "prs:org:beta:all", []byte("b"), time.Minute)
	c.Set(ctx, "checks:org:alpha:sha", []byte("c"), time.Minute)

	removed := c.Invalidate(ctx, "prs:org:*")
	assert.Equal(t, 2, removed)

	_, ok := c.Get(ctx, "prs:org:alpha:all")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "checks:org:alpha:sha")
	assert.True(t, ok)

	// L2 was purged as well.
	assert.False(t, mr.Exists("prs:org:alpha:all"))
	assert.True(t, mr.Exists("checks:org:alpha:sha"))
}

func TestLongKeyNormalization(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	long := "prs:" + strings.Repeat("x", 400)
	c.Set(ctx, long, []byte("v"), time.Minute)

	got, ok := c.Get(ctx, long)
	require.True(t, ok)
	assert.Equal(t, "v", string(got))

	norm := normalizeKey(long)
	assert.True(t, strings.HasPrefix(norm, "disc:"))
	assert.LessOrEqual(t, len(norm), maxKeyLength)
}

func TestL2FailureDegradesToL1(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	mr.Close() // L2 goes away

	// Writes and reads keep working through L1; errors are only counted.
	c.Set(ctx, "k2", []byte("v2"), time.Minute)
	got, ok := c.Get(ctx, "k2")
	require.True(t, ok)
	assert.Equal(t, "v2", string(got))
	assert.Greater(t, c.Stats().Errors, uint64(0))
}

func TestJSONHelpers(t *testing.T) {
	c, err := New(Options{L1MaxEntries: 4})
	require.NoError(t, err)
	ctx := context.Background()

	type snapshot struct {
		N int `json:"n"`
	}
	c.SetJSON(ctx, "snap", snapshot{N: 7}, time.Minute)

	var out snapshot
	require.True(t, c.GetJSON(ctx, "snap", &out))
	assert.Equal(t, 7, out.N)
}

func TestHealthCheck(t *testing.T) {
	c, mr := newTestCache(t)
	layers := c.HealthCheck(context.Background())
	require.Len(t, layers, 2)
	assert.True(t, layers[0].Healthy)
	assert.True(t, layers[1].Healthy)

	mr.Close()
	layers = c.HealthCheck(context.Background())
	assert.True(t, layers[0].Healthy)
	assert.False(t, layers[1].Healthy)
}
