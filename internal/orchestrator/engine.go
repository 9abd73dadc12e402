// Package orchestrator drives a full discovery cycle: priority sort, bounded
// fan-out over repositories, state diffing, synchronization, event
// publication, and metrics.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/prmonitor/internal/cache"
	"git.home.luguber.info/inful/prmonitor/internal/detector"
	"git.home.luguber.info/inful/prmonitor/internal/discovery"
	"git.home.luguber.info/inful/prmonitor/internal/events"
	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
	"git.home.luguber.info/inful/prmonitor/internal/logfields"
	"git.home.luguber.info/inful/prmonitor/internal/metrics"
	"git.home.luguber.info/inful/prmonitor/internal/model"
	"git.home.luguber.info/inful/prmonitor/internal/ratelimit"
	"git.home.luguber.info/inful/prmonitor/internal/store"
)

const (
	defaultMaxConcurrent  = 10
	defaultTokenReserve   = 10
	defaultAcquireTimeout = 30 * time.Second

	// cacheRateSmoothing weights the current cycle when smoothing the
	// rolling cache-hit rate.
	cacheRateSmoothing = 0.7

	recentErrorsKept       = 5
	batchStatsKept         = 10
	degradedErrorThreshold = 10
)

// RepositoryStore is the slice of the store the engine needs.
type RepositoryStore interface {
	GetRepository(ctx context.Context, id uuid.UUID) (*model.Repository, error)
	UpdatePollStatus(ctx context.Context, id uuid.UUID, polledAt time.Time, succeeded bool) error
}

// Scanner produces one repository's discovery result.
type Scanner interface {
	Discover(ctx context.Context, repo *model.Repository, since time.Time) *model.DiscoveryResult
}

// StateLoader loads stored snapshots for diffing.
type StateLoader interface {
	LoadBatch(ctx context.Context, repositoryIDs []uuid.UUID) map[uuid.UUID]*model.RepositoryState
}

// Syncer persists a cycle's results and changes.
type Syncer interface {
	Sync(ctx context.Context, items []store.RepositorySync) *model.SynchronizationResult
}

// Options tunes the engine.
type Options struct {
	MaxConcurrent  int
	TokenReserve   int
	AcquireTimeout time.Duration
	// DisablePriorityScheduling keeps the configured repository order
	// instead of ranking by priority.
	DisablePriorityScheduling bool
}

// Engine implements the discovery cycle. One RunCycle executes at a time;
// Status may be called concurrently.
type Engine struct {
	repos     RepositoryStore
	scanner   Scanner
	loader    StateLoader
	syncer    Syncer
	publisher events.Publisher
	limiter   *ratelimit.Limiter
	cache     *cache.TwoTier
	recorder  metrics.Recorder
	collector *metrics.Collector
	logger    *slog.Logger
	opts      Options

	mu    sync.Mutex
	state cycleState
}

// cycleState is the mutable status snapshot, guarded by Engine.mu.
type cycleState struct {
	running              bool
	cycleID              string
	startedAt            time.Time
	processed            int
	total                int
	prs                  int
	checks               int
	stateChanges         int
	errors               int
	active               map[string]struct{}
	recentErrors         []string
	cacheHitRate         float64
	lastCycleCompletedAt time.Time
}

// New builds an engine. publisher, recorder, collector, limiter, and cache
// may be nil; missing pieces degrade to no-ops.
func New(repos RepositoryStore, scanner Scanner, loader StateLoader, syncer Syncer, opts Options) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.TokenReserve <= 0 {
		opts.TokenReserve = defaultTokenReserve
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	return &Engine{
		repos:     repos,
		scanner:   scanner,
		loader:    loader,
		syncer:    syncer,
		publisher: events.NoopPublisher{},
		recorder:  metrics.NoopRecorder{},
		collector: metrics.NewCollector(),
		logger:    slog.Default(),
		opts:      opts,
		state:     cycleState{active: map[string]struct{}{}},
	}
}

func (e *Engine) WithPublisher(p events.Publisher) *Engine {
	if p != nil {
		e.publisher = p
	}
	return e
}

func (e *Engine) WithLimiter(l *ratelimit.Limiter) *Engine {
	e.limiter = l
	return e
}

func (e *Engine) WithCache(c *cache.TwoTier) *Engine {
	e.cache = c
	return e
}

func (e *Engine) WithRecorder(r metrics.Recorder) *Engine {
	if r != nil {
		e.recorder = r
	}
	return e
}

func (e *Engine) WithCollector(c *metrics.Collector) *Engine {
	if c != nil {
		e.collector = c
	}
	return e
}

func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// Collector exposes the cycle history for the status surface.
func (e *Engine) Collector() *metrics.Collector { return e.collector }

type rankedRepo struct {
	id       uuid.UUID
	repo     *model.Repository
	priority ratelimit.Priority
}

// RunCycle discovers every repository in the list and returns one result per
// repository. It never returns an error; per-repository failures are carried
// inside the results.
func (e *Engine) RunCycle(ctx context.Context, repositoryIDs []uuid.UUID) []*model.DiscoveryResult {
	cycleID := uuid.NewString()
	start := time.Now()
	e.beginCycle(cycleID, len(repositoryIDs))
	e.logger.Info("discovery cycle started",
		logfields.CycleID(cycleID),
		logfields.Count(len(repositoryIDs)))

	ranked := e.rankRepositories(ctx, repositoryIDs)

	results := make([]*model.DiscoveryResult, len(ranked))
	var wg sync.WaitGroup
	var cancelled bool
	for window := 0; window < len(ranked); window += e.opts.MaxConcurrent {
		if ctx.Err() != nil {
			// Cancellation between batches: remaining repositories get an
			// explicit cancelled result.
			cancelled = true
			for i := window; i < len(ranked); i++ {
				results[i] = e.cancelledResult(ranked[i])
			}
			break
		}
		end := min(window+e.opts.MaxConcurrent, len(ranked))
		for i := window; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = e.processRepository(ctx, ranked[i])
			}(i)
		}
		wg.Wait()
	}

	changesByRepo := e.detectChanges(ctx, ranked, results)

	syncItems := make([]store.RepositorySync, 0, len(results))
	var allChanges []model.StateChange
	for i, result := range results {
		changes := changesByRepo[ranked[i].id]
		allChanges = append(allChanges, changes...)
		if result != nil && result.FromCache && len(changes) == 0 {
			// Unchanged 304 snapshot: nothing to persist.
			continue
		}
		syncItems = append(syncItems, store.RepositorySync{Result: result, Changes: changes})
	}

	var syncResult *model.SynchronizationResult
	if e.syncer != nil {
		syncResult = e.syncer.Sync(ctx, syncItems)
	}

	e.publish(ctx, cycleID, start, ranked, results, changesByRepo)
	e.finishCycle(start, results, allChanges, syncResult, cancelled)

	e.logger.Info("discovery cycle completed",
		logfields.CycleID(cycleID),
		logfields.Count(len(results)),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return results
}

// rankRepositories resolves priorities concurrently and sorts ascending
// (critical first). Resolution failures default to normal priority.
func (e *Engine) rankRepositories(ctx context.Context, ids []uuid.UUID) []rankedRepo {
	ranked := make([]rankedRepo, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrent)
	for i, id := range ids {
		g.Go(func() error {
			repo, err := e.repos.GetRepository(gctx, id)
			if err != nil {
				repo = nil
			}
			ranked[i] = rankedRepo{id: id, repo: repo, priority: discovery.Priority(repo)}
			return nil
		})
	}
	_ = g.Wait()

	if !e.opts.DisablePriorityScheduling {
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].priority < ranked[j].priority
		})
	}
	return ranked
}

func (e *Engine) processRepository(ctx context.Context, r rankedRepo) *model.DiscoveryResult {
	e.markActive(r.id, true)
	defer e.markActive(r.id, false)
	start := time.Now()

	result := &model.DiscoveryResult{RepositoryID: r.id, StartedAt: start.UTC()}
	finish := func(res *model.DiscoveryResult) *model.DiscoveryResult {
		if res.CompletedAt.IsZero() {
			res.CompletedAt = time.Now().UTC()
			res.ProcessingTime = res.CompletedAt.Sub(res.StartedAt)
		}
		succeeded := !res.Failed()
		if r.repo != nil {
			if err := e.repos.UpdatePollStatus(ctx, r.id, time.Now(), succeeded); err != nil {
				e.logger.Warn("poll status update failed",
					logfields.RepositoryID(r.id.String()),
					logfields.Error(err))
			}
		}
		e.recorder.ObserveRepoDiscovery(repoLabel(r), time.Since(start), succeeded)
		e.collector.RecordRepository(metrics.RepoRecord{
			Repository: repoLabel(r),
			PRs:        len(res.DiscoveredPRs),
			Errors:     len(res.Errors),
			Duration:   time.Since(start),
		})
		e.noteProcessed(res)
		return res
	}

	if r.repo == nil {
		result.AddError(ferrors.New(ferrors.KindRepositoryProcessing, "repository not found").
			WithContext("repository_id", r.id.String()).
			Build())
		return finish(result)
	}
	result.RepositoryURL = r.repo.URL
	if r.repo.Status != model.RepositoryActive {
		result.AddError(ferrors.New(ferrors.KindRepositoryProcessing, "repository is not active").
			WithContext("status", string(r.repo.Status)).
			Build())
		return finish(result)
	}

	// Reserve a minimum core quota before touching the remote; priority
	// decides the queue position when tokens are scarce.
	if e.limiter != nil {
		ok := e.limiter.AcquireWithPriority(ctx, ratelimit.ResourceCore, r.priority,
			e.opts.TokenReserve, e.opts.AcquireTimeout)
		if !ok {
			result.AddError(ferrors.RateLimitExceeded("token reservation timed out").
				WithContext("resource", string(ratelimit.ResourceCore)).
				WithContext("priority", r.priority.String()).
				Build())
			return finish(result)
		}
	}

	// Always request the complete listing: an updated-since cutoff hides
	// untouched PRs and would make stored ones look deleted. The conditional
	// request keeps the unchanged case to a single 304 round trip.
	return finish(e.scanner.Discover(ctx, r.repo, time.Time{}))
}

func (e *Engine) cancelledResult(r rankedRepo) *model.DiscoveryResult {
	now := time.Now().UTC()
	result := &model.DiscoveryResult{RepositoryID: r.id, StartedAt: now, CompletedAt: now}
	if r.repo != nil {
		result.RepositoryURL = r.repo.URL
	}
	result.AddError(ferrors.New(ferrors.KindDiscoveryCycle, "cycle cancelled before repository was processed").
		Warning().
		Build())
	return result
}

// detectChanges batch-loads stored state and diffs every pair.
func (e *Engine) detectChanges(ctx context.Context, ranked []rankedRepo, results []*model.DiscoveryResult) map[uuid.UUID][]model.StateChange {
	changes := make(map[uuid.UUID][]model.StateChange, len(ranked))
	if e.loader == nil {
		return changes
	}

	ids := make([]uuid.UUID, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	states := e.loader.LoadBatch(ctx, ids)

	for i, r := range ranked {
		result := results[i]
		if result == nil || result.Failed() {
			continue
		}
		changes[r.id] = detector.Detect(result, states[r.id])
	}
	return changes
}

// publish emits discovery_complete, then new-PR and state-change events,
// then a failed_check for every failing check. All best-effort.
func (e *Engine) publish(ctx context.Context, cycleID string, start time.Time, ranked []rankedRepo, results []*model.DiscoveryResult, changesByRepo map[uuid.UUID][]model.StateChange) {
	var prs, checks, errs, changeCount int
	for _, r := range results {
		if r == nil {
			continue
		}
		prs += len(r.DiscoveredPRs)
		errs += len(r.Errors)
		for i := range r.DiscoveredPRs {
			checks += len(r.DiscoveredPRs[i].CheckRuns)
		}
	}
	for _, changes := range changesByRepo {
		changeCount += len(changes)
	}
	e.publisher.DiscoveryComplete(ctx, events.CycleSummary{
		CycleID:          cycleID,
		Repositories:     len(ranked),
		PRsDiscovered:    prs,
		ChecksDiscovered: checks,
		StateChanges:     changeCount,
		Errors:           errs,
		DurationMS:       float64(time.Since(start).Milliseconds()),
		CompletedAt:      time.Now().UTC(),
	})

	for i, r := range results {
		if r == nil {
			continue
		}
		createdPRs := map[int]bool{}
		for _, change := range changesByRepo[ranked[i].id] {
			e.publisher.StateChange(ctx, change)
			if change.Entity == model.EntityPullRequest && change.Kind == model.ChangeCreated {
				if n, ok := prNumberOf(change); ok {
					createdPRs[n] = true
				}
			}
		}
		for j := range r.DiscoveredPRs {
			pr := &r.DiscoveredPRs[j]
			if createdPRs[pr.Number] {
				e.publisher.NewPR(ctx, ranked[i].id, pr)
			}
			for k := range pr.CheckRuns {
				if pr.CheckRuns[k].Conclusion == model.ConclusionFailure {
					e.publisher.FailedCheck(ctx, ranked[i].id, pr.Number, &pr.CheckRuns[k])
				}
			}
		}
	}
}

func prNumberOf(change model.StateChange) (int, bool) {
	n, err := strconv.Atoi(change.Metadata["pr_number"])
	if err != nil {
		return 0, false
	}
	return n, true
}

func repoLabel(r rankedRepo) string {
	if r.repo != nil {
		return r.repo.Name
	}
	return r.id.String()
}
