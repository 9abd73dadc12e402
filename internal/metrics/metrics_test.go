package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ObserveCycleDuration(3 * time.Second)
	r.IncCycleOutcome(OutcomeSuccess)
	r.ObserveRepoDiscovery("test-org/repo-a", 200*time.Millisecond, true)
	r.ObserveRepoDiscovery("test-org/repo-b", time.Second, false)
	r.AddPRsDiscovered(12)
	r.AddChecksDiscovered(40)
	r.AddStateChanges("created", 3)
	r.IncError("github_api_error")
	r.SetRateLimitRemaining("core", 4200)
	r.SetCacheHitRate(0.8)
	r.SetActiveWorkers(4)

	// Basic scrape to ensure metrics encode without panic.
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestCollectorSummary(t *testing.T) {
	c := NewCollector()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.RecordCycle(CycleRecord{
		CompletedAt:  now.Add(-10 * time.Minute),
		Repositories: 5, PRs: 20, Checks: 60, StateChanges: 4, Errors: 1,
		Duration: 30 * time.Second, CacheHitRate: 0.6,
	})
	c.RecordCycle(CycleRecord{
		CompletedAt:  now.Add(-2 * time.Minute),
		Repositories: 5, PRs: 10, Checks: 30, StateChanges: 0, Errors: 0,
		Duration: 10 * time.Second, CacheHitRate: 0.8,
	})
	c.RecordRepository(RepoRecord{Repository: "o/a", At: now.Add(-2 * time.Minute), PRs: 6, Duration: 4 * time.Second})
	c.RecordRepository(RepoRecord{Repository: "o/a", At: now.Add(-10 * time.Minute), PRs: 4, Errors: 1, Duration: 2 * time.Second})

	s := c.SummaryFor(1)
	assert.Equal(t, 2, s.Cycles)
	assert.Equal(t, 30, s.PRs)
	assert.Equal(t, 90, s.Checks)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 20*time.Second, s.AvgCycleTime)
	assert.Equal(t, 10*time.Second, s.MinCycleTime)
	assert.Equal(t, 30*time.Second, s.MaxCycleTime)
	assert.InDelta(t, 0.7, s.AvgCacheHitRate, 1e-9)

	require.Len(t, s.Windows, 2, "records ten minutes apart land in distinct 5m buckets")
	assert.True(t, s.Windows[0].Start.Before(s.Windows[1].Start))

	repo := s.ByRepository["o/a"]
	assert.Equal(t, 2, repo.Discoveries)
	assert.Equal(t, 10, repo.PRs)
	assert.Equal(t, 1, repo.Errors)
	assert.Equal(t, 3*time.Second, repo.AvgDuration)
}

func TestCollectorRetentionPrunes(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.RecordCycle(CycleRecord{CompletedAt: now.Add(-25 * time.Hour), PRs: 100})
	c.RecordCycle(CycleRecord{CompletedAt: now.Add(-time.Hour), PRs: 1})

	s := c.SummaryFor(48)
	assert.Equal(t, 1, s.Cycles, "records beyond 24h retention are dropped")
	assert.Equal(t, 1, s.PRs)
}

func TestCollectorErrorsSince(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	c.RecordCycle(CycleRecord{CompletedAt: now.Add(-2 * time.Hour), Errors: 7})
	c.RecordCycle(CycleRecord{CompletedAt: now.Add(-10 * time.Minute), Errors: 3})

	assert.Equal(t, 3, c.ErrorsSince(now.Add(-time.Hour)))
	assert.Equal(t, 10, c.ErrorsSince(now.Add(-3*time.Hour)))
}

func TestLastCycles(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	for i := 0; i < 15; i++ {
		c.RecordCycle(CycleRecord{CompletedAt: now.Add(time.Duration(i-15) * time.Minute), PRs: i})
	}
	last := c.LastCycles(10)
	require.Len(t, last, 10)
	assert.Equal(t, 14, last[9].PRs, "newest record last")
	assert.Equal(t, 5, last[0].PRs)
}
