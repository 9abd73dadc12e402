package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultRetention   = 24 * time.Hour
	defaultAggregation = 5 * time.Minute
)

// CycleRecord is one cycle's contribution to the in-process history.
type CycleRecord struct {
	CompletedAt  time.Time     `json:"completed_at"`
	Repositories int           `json:"repositories"`
	PRs          int           `json:"prs"`
	Checks       int           `json:"checks"`
	StateChanges int           `json:"state_changes"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
	CacheHitRate float64       `json:"cache_hit_rate"`
}

// RepoRecord is one repository's contribution within a cycle.
type RepoRecord struct {
	Repository string        `json:"repository"`
	At         time.Time     `json:"at"`
	PRs        int           `json:"prs"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// Window is one aggregation bucket of the summary.
type Window struct {
	Start  time.Time `json:"start"`
	Cycles int       `json:"cycles"`
	PRs    int       `json:"prs"`
	Errors int       `json:"errors"`
}

// RepoSummary aggregates one repository over the summary span.
type RepoSummary struct {
	Repository  string        `json:"repository"`
	Discoveries int           `json:"discoveries"`
	PRs         int           `json:"prs"`
	Errors      int           `json:"errors"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Summary is the aggregate view over a trailing span.
type Summary struct {
	Span            time.Duration          `json:"span"`
	Cycles          int                    `json:"cycles"`
	Repositories    int                    `json:"repositories"`
	PRs             int                    `json:"prs"`
	Checks          int                    `json:"checks"`
	StateChanges    int                    `json:"state_changes"`
	Errors          int                    `json:"errors"`
	AvgCycleTime    time.Duration          `json:"avg_cycle_time"`
	MinCycleTime    time.Duration          `json:"min_cycle_time"`
	MaxCycleTime    time.Duration          `json:"max_cycle_time"`
	AvgCacheHitRate float64                `json:"avg_cache_hit_rate"`
	Windows         []Window               `json:"windows,omitempty"`
	ByRepository    map[string]RepoSummary `json:"by_repository,omitempty"`
}

// Collector keeps a bounded in-process history of cycle and per-repository
// records for the status surface. Thread-safe. Records older than the
// retention window (default 24h) are pruned on write; Summary aggregates
// into buckets of the aggregation window (default 5 min).
type Collector struct {
	mu          sync.Mutex
	cycles      []CycleRecord
	repos       []RepoRecord
	retention   time.Duration
	aggregation time.Duration
	now         func() time.Time
}

// NewCollector builds a collector with the default windows.
func NewCollector() *Collector {
	return &Collector{
		retention:   defaultRetention,
		aggregation: defaultAggregation,
		now:         time.Now,
	}
}

// RecordCycle appends a cycle record and prunes expired history.
func (c *Collector) RecordCycle(rec CycleRecord) {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycles = append(c.cycles, rec)
	c.pruneLocked()
}

// RecordRepository appends a per-repository record.
func (c *Collector) RecordRepository(rec RepoRecord) {
	if rec.At.IsZero() {
		rec.At = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repos = append(c.repos, rec)
	c.pruneLocked()
}

func (c *Collector) pruneLocked() {
	cutoff := c.now().Add(-c.retention)
	c.cycles = pruneCycles(c.cycles, cutoff)
	c.repos = pruneRepos(c.repos, cutoff)
}

func pruneCycles(records []CycleRecord, cutoff time.Time) []CycleRecord {
	i := 0
	for i < len(records) && records[i].CompletedAt.Before(cutoff) {
		i++
	}
	return records[i:]
}

func pruneRepos(records []RepoRecord, cutoff time.Time) []RepoRecord {
	i := 0
	for i < len(records) && records[i].At.Before(cutoff) {
		i++
	}
	return records[i:]
}

// LastCycles returns up to n most recent cycle records, newest last.
func (c *Collector) LastCycles(n int) []CycleRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.cycles) {
		n = len(c.cycles)
	}
	out := make([]CycleRecord, n)
	copy(out, c.cycles[len(c.cycles)-n:])
	return out
}

// ErrorsSince counts cycle errors recorded after the given instant.
func (c *Collector) ErrorsSince(t time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, rec := range c.cycles {
		if rec.CompletedAt.After(t) {
			n += rec.Errors
		}
	}
	return n
}

// SummaryFor aggregates the trailing span, capped at the retention window.
func (c *Collector) SummaryFor(hours int) Summary {
	span := time.Duration(hours) * time.Hour
	if span <= 0 || span > c.retention {
		span = c.retention
	}
	now := c.now()
	cutoff := now.Add(-span)

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{Span: span, ByRepository: map[string]RepoSummary{}}
	windows := map[int64]*Window{}

	for _, rec := range c.cycles {
		if rec.CompletedAt.Before(cutoff) {
			continue
		}
		s.Cycles++
		s.Repositories += rec.Repositories
		s.PRs += rec.PRs
		s.Checks += rec.Checks
		s.StateChanges += rec.StateChanges
		s.Errors += rec.Errors
		s.AvgCycleTime += rec.Duration
		s.AvgCacheHitRate += rec.CacheHitRate
		if s.MinCycleTime == 0 || rec.Duration < s.MinCycleTime {
			s.MinCycleTime = rec.Duration
		}
		if rec.Duration > s.MaxCycleTime {
			s.MaxCycleTime = rec.Duration
		}

		bucket := rec.CompletedAt.Truncate(c.aggregation).Unix()
		w, ok := windows[bucket]
		if !ok {
			w = &Window{Start: rec.CompletedAt.Truncate(c.aggregation)}
			windows[bucket] = w
		}
		w.Cycles++
		w.PRs += rec.PRs
		w.Errors += rec.Errors
	}
	if s.Cycles > 0 {
		s.AvgCycleTime /= time.Duration(s.Cycles)
		s.AvgCacheHitRate /= float64(s.Cycles)
	}

	repoDurations := map[string]time.Duration{}
	for _, rec := range c.repos {
		if rec.At.Before(cutoff) {
			continue
		}
		agg := s.ByRepository[rec.Repository]
		agg.Repository = rec.Repository
		agg.Discoveries++
		agg.PRs += rec.PRs
		agg.Errors += rec.Errors
		s.ByRepository[rec.Repository] = agg
		repoDurations[rec.Repository] += rec.Duration
	}
	for name, agg := range s.ByRepository {
		if agg.Discoveries > 0 {
			agg.AvgDuration = repoDurations[name] / time.Duration(agg.Discoveries)
			s.ByRepository[name] = agg
		}
	}

	for _, w := range windows {
		s.Windows = append(s.Windows, *w)
	}
	sort.Slice(s.Windows, func(i, j int) bool {
		return s.Windows[i].Start.Before(s.Windows[j].Start)
	})
	return s
}
