package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/prmonitor/internal/cache"
	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
	"git.home.luguber.info/inful/prmonitor/internal/metrics"
	"git.home.luguber.info/inful/prmonitor/internal/model"
	"git.home.luguber.info/inful/prmonitor/internal/ratelimit"
)

// Progress describes how far the current cycle has advanced.
type Progress struct {
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// Concurrency describes the fan-out state of the current cycle.
type Concurrency struct {
	SlotsTotal     int      `json:"slots_total"`
	SlotsAvailable int      `json:"slots_available"`
	Active         []string `json:"active,omitempty"`
}

// Status is the engine's externally visible snapshot.
type Status struct {
	Status               string                                          `json:"status"` // running | healthy | degraded
	Running              bool                                            `json:"running"`
	CycleID              string                                          `json:"cycle_id,omitempty"`
	Progress             Progress                                        `json:"progress"`
	PRs                  int                                             `json:"prs"`
	Checks               int                                             `json:"checks"`
	StateChanges         int                                             `json:"state_changes"`
	Errors               int                                             `json:"errors"`
	ElapsedSeconds       float64                                         `json:"elapsed_seconds"`
	RecentErrors         []string                                        `json:"recent_errors,omitempty"`
	CacheHitRate         float64                                         `json:"cache_hit_rate"`
	CacheStats           *cache.Stats                                    `json:"cache_stats,omitempty"`
	RateLimits           map[ratelimit.Resource]ratelimit.ResourceStatus `json:"rate_limits,omitempty"`
	Concurrency          Concurrency                                     `json:"concurrency"`
	BatchStats           []metrics.CycleRecord                           `json:"batch_stats,omitempty"`
	LastCycleCompletedAt *time.Time                                      `json:"last_cycle_completed_at,omitempty"`
}

// Status returns a consistent snapshot; safe to call during a cycle.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.state
	active := make([]string, 0, len(st.active))
	for id := range st.active {
		active = append(active, id)
	}
	recent := make([]string, len(st.recentErrors))
	copy(recent, st.recentErrors)
	e.mu.Unlock()

	s := Status{
		Running:      st.running,
		CycleID:      st.cycleID,
		PRs:          st.prs,
		Checks:       st.checks,
		StateChanges: st.stateChanges,
		Errors:       st.errors,
		RecentErrors: recent,
		CacheHitRate: st.cacheHitRate,
		Progress: Progress{
			Processed: st.processed,
			Total:     st.total,
		},
		Concurrency: Concurrency{
			SlotsTotal:     e.opts.MaxConcurrent,
			SlotsAvailable: e.opts.MaxConcurrent - len(active),
			Active:         active,
		},
		BatchStats: e.collector.LastCycles(batchStatsKept),
	}
	if st.total > 0 {
		s.Progress.Percent = 100 * float64(st.processed) / float64(st.total)
	}
	if st.running {
		s.ElapsedSeconds = time.Since(st.startedAt).Seconds()
		s.Status = "running"
	} else if e.collector.ErrorsSince(time.Now().Add(-time.Hour)) > degradedErrorThreshold {
		s.Status = "degraded"
	} else {
		s.Status = "healthy"
	}
	if !st.lastCycleCompletedAt.IsZero() {
		t := st.lastCycleCompletedAt
		s.LastCycleCompletedAt = &t
	}
	if e.limiter != nil {
		s.RateLimits = e.limiter.Status()
	}
	if e.cache != nil {
		stats := e.cache.Stats()
		s.CacheStats = &stats
	}
	return s
}

func (e *Engine) beginCycle(cycleID string, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.running = true
	e.state.cycleID = cycleID
	e.state.startedAt = time.Now()
	e.state.processed = 0
	e.state.total = total
	e.state.prs = 0
	e.state.checks = 0
	e.state.stateChanges = 0
	e.state.errors = 0
	e.state.active = map[string]struct{}{}
}

func (e *Engine) markActive(id uuid.UUID, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if active {
		e.state.active[id.String()] = struct{}{}
	} else {
		delete(e.state.active, id.String())
	}
	e.recorder.SetActiveWorkers(len(e.state.active))
}

func (e *Engine) noteProcessed(result *model.DiscoveryResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.processed++
	e.state.prs += len(result.DiscoveredPRs)
	for i := range result.DiscoveredPRs {
		e.state.checks += len(result.DiscoveredPRs[i].CheckRuns)
	}
	e.state.errors += len(result.Errors)
	for _, err := range result.Errors {
		e.noteErrorLocked(err)
	}
}

func (e *Engine) noteErrorLocked(err *ferrors.ClassifiedError) {
	e.state.recentErrors = append(e.state.recentErrors, err.Error())
	if len(e.state.recentErrors) > recentErrorsKept {
		e.state.recentErrors = e.state.recentErrors[len(e.state.recentErrors)-recentErrorsKept:]
	}
	e.recorder.IncError(string(err.Kind()))
}

// finishCycle folds the cycle into metrics and the status snapshot.
func (e *Engine) finishCycle(start time.Time, results []*model.DiscoveryResult, changes []model.StateChange, syncResult *model.SynchronizationResult, cancelled bool) {
	duration := time.Since(start)

	var prs, checks, errs, hits, misses, failed int
	for _, r := range results {
		if r == nil {
			continue
		}
		prs += len(r.DiscoveredPRs)
		for i := range r.DiscoveredPRs {
			checks += len(r.DiscoveredPRs[i].CheckRuns)
		}
		errs += len(r.Errors)
		hits += r.CacheHits
		misses += r.CacheMisses
		if r.Failed() {
			failed++
		}
	}
	byKind := map[string]int{}
	for _, change := range changes {
		byKind[string(change.Kind)]++
	}

	e.mu.Lock()
	e.state.stateChanges = len(changes)
	if syncResult != nil {
		e.state.errors += len(syncResult.Errors)
		for _, err := range syncResult.Errors {
			e.noteErrorLocked(err)
		}
		errs += len(syncResult.Errors)
	}
	currentRate := 0.0
	if hits+misses > 0 {
		currentRate = float64(hits) / float64(hits+misses)
		e.state.cacheHitRate = cacheRateSmoothing*currentRate +
			(1-cacheRateSmoothing)*e.state.cacheHitRate
	}
	rate := e.state.cacheHitRate
	e.state.running = false
	e.state.lastCycleCompletedAt = time.Now()
	e.mu.Unlock()

	e.recorder.ObserveCycleDuration(duration)
	e.recorder.AddPRsDiscovered(prs)
	e.recorder.AddChecksDiscovered(checks)
	for kind, n := range byKind {
		e.recorder.AddStateChanges(kind, n)
	}
	e.recorder.SetCacheHitRate(rate)
	switch {
	case cancelled:
		e.recorder.IncCycleOutcome(metrics.OutcomeCancelled)
	case failed == len(results) && len(results) > 0:
		e.recorder.IncCycleOutcome(metrics.OutcomeFailed)
	case errs > 0:
		e.recorder.IncCycleOutcome(metrics.OutcomeDegraded)
	default:
		e.recorder.IncCycleOutcome(metrics.OutcomeSuccess)
	}
	if e.limiter != nil {
		for resource, status := range e.limiter.Status() {
			e.recorder.SetRateLimitRemaining(string(resource), int(status.Tokens))
		}
	}

	e.collector.RecordCycle(metrics.CycleRecord{
		Repositories: len(results),
		PRs:          prs,
		Checks:       checks,
		StateChanges: len(changes),
		Errors:       errs,
		Duration:     duration,
		CacheHitRate: currentRate,
	})
}
