package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/prmonitor/internal/events"
	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
	"git.home.luguber.info/inful/prmonitor/internal/metrics"
	"git.home.luguber.info/inful/prmonitor/internal/model"
	"git.home.luguber.info/inful/prmonitor/internal/ratelimit"
	"git.home.luguber.info/inful/prmonitor/internal/store"
)

type pollCall struct {
	id        uuid.UUID
	succeeded bool
}

type fakeStore struct {
	mu    sync.Mutex
	repos map[uuid.UUID]*model.Repository
	polls []pollCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{repos: map[uuid.UUID]*model.Repository{}}
}

func (f *fakeStore) add(repo *model.Repository) uuid.UUID {
	if repo.ID == uuid.Nil {
		repo.ID = uuid.New()
	}
	f.repos[repo.ID] = repo
	return repo.ID
}

func (f *fakeStore) GetRepository(_ context.Context, id uuid.UUID) (*model.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos[id], nil
}

func (f *fakeStore) UpdatePollStatus(_ context.Context, id uuid.UUID, _ time.Time, succeeded bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, pollCall{id: id, succeeded: succeeded})
	return nil
}

type fakeScanner struct {
	mu      sync.Mutex
	order   []string
	sinces  []time.Time
	results map[uuid.UUID]*model.DiscoveryResult
	onScan  func()
}

func (f *fakeScanner) Discover(_ context.Context, repo *model.Repository, since time.Time) *model.DiscoveryResult {
	f.mu.Lock()
	f.order = append(f.order, repo.Name)
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()
	if f.onScan != nil {
		f.onScan()
	}
	if r, ok := f.results[repo.ID]; ok {
		return r
	}
	return &model.DiscoveryResult{RepositoryID: repo.ID, DiscoveredPRs: []model.DiscoveredPR{}}
}

type fakeLoader struct {
	states map[uuid.UUID]*model.RepositoryState
}

func (f *fakeLoader) LoadBatch(_ context.Context, ids []uuid.UUID) map[uuid.UUID]*model.RepositoryState {
	out := map[uuid.UUID]*model.RepositoryState{}
	for _, id := range ids {
		if s, ok := f.states[id]; ok {
			out[id] = s
			continue
		}
		out[id] = &model.RepositoryState{RepositoryID: id, PRs: map[int]model.StoredPRState{}}
	}
	return out
}

type fakeSyncer struct {
	mu    sync.Mutex
	items []store.RepositorySync
}

func (f *fakeSyncer) Sync(_ context.Context, items []store.RepositorySync) *model.SynchronizationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, items...)
	return &model.SynchronizationResult{}
}

type fakeRecorder struct {
	metrics.NoopRecorder
	mu       sync.Mutex
	outcomes []metrics.CycleOutcome
	workers  []int
}

func (r *fakeRecorder) IncCycleOutcome(o metrics.CycleOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *fakeRecorder) SetActiveWorkers(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, n)
}

func activeRepo(name string) *model.Repository {
	return &model.Repository{
		URL:    "https://github.com/test-org/" + name,
		Name:   name,
		Status: model.RepositoryActive,
	}
}

func TestRunCycleHappyPath(t *testing.T) {
	st := newFakeStore()
	repoID := st.add(activeRepo("repo-a"))

	scanner := &fakeScanner{results: map[uuid.UUID]*model.DiscoveryResult{
		repoID: {
			RepositoryID: repoID,
			DiscoveredPRs: []model.DiscoveredPR{
				{
					Number: 1, State: model.PROpened, HeadSHA: "sha-1",
					CheckRuns: []model.DiscoveredCheckRun{
						{ExternalID: "11", Name: "build", Status: model.CheckCompleted, Conclusion: model.ConclusionFailure},
					},
				},
			},
			CacheMisses: 1,
		},
	}}
	syncer := &fakeSyncer{}
	pub := &events.RecordingPublisher{}

	engine := New(st, scanner, &fakeLoader{}, syncer, Options{MaxConcurrent: 2}).
		WithPublisher(pub)

	results := engine.RunCycle(context.Background(), []uuid.UUID{repoID})
	require.Len(t, results, 1)
	require.Empty(t, results[0].Errors)
	require.Len(t, results[0].DiscoveredPRs, 1)

	// The store saw a successful poll.
	require.Len(t, st.polls, 1)
	assert.True(t, st.polls[0].succeeded)

	// Sync received the result with its detected changes.
	require.Len(t, syncer.items, 1)
	assert.NotEmpty(t, syncer.items[0].Changes)

	// Events: cycle summary, the created-PR change + check change, the new
	// PR itself, and the failing check.
	require.Len(t, pub.Summaries, 1)
	assert.Equal(t, 1, pub.Summaries[0].PRsDiscovered)
	assert.NotEmpty(t, pub.Changes)
	require.Len(t, pub.NewPRs, 1)
	assert.Equal(t, 1, pub.NewPRs[0].Number)
	require.Len(t, pub.FailedChecks, 1)
	assert.Equal(t, "build", pub.FailedChecks[0].Name)

	status := engine.Status()
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Running)
	assert.Equal(t, 1, status.PRs)
	assert.NotNil(t, status.LastCycleCompletedAt)
}

func TestRunCyclePriorityOrdering(t *testing.T) {
	st := newFakeStore()
	recent := time.Now().Add(-time.Minute)

	lowRepo := activeRepo("low")
	lowRepo.LastPolledAt = &recent
	lowRepo.PollingInterval = time.Hour
	lowID := st.add(lowRepo)

	criticalRepo := activeRepo("critical")
	criticalRepo.FailureCount = 5
	criticalID := st.add(criticalRepo)

	scanner := &fakeScanner{}
	engine := New(st, scanner, &fakeLoader{}, &fakeSyncer{}, Options{MaxConcurrent: 1})

	engine.RunCycle(context.Background(), []uuid.UUID{lowID, criticalID})
	require.Equal(t, []string{"critical", "low"}, scanner.order,
		"critical repositories are processed before low priority ones")
}

func TestRunCycleMissingAndInactiveRepos(t *testing.T) {
	st := newFakeStore()
	suspended := activeRepo("suspended")
	suspended.Status = model.RepositorySuspended
	suspendedID := st.add(suspended)
	missingID := uuid.New()

	scanner := &fakeScanner{}
	engine := New(st, scanner, &fakeLoader{}, &fakeSyncer{}, Options{})

	results := engine.RunCycle(context.Background(), []uuid.UUID{missingID, suspendedID})
	require.Len(t, results, 2)
	for _, r := range results {
		require.Len(t, r.Errors, 1)
		assert.Equal(t, ferrors.KindRepositoryProcessing, r.Errors[0].Kind())
	}
	assert.Empty(t, scanner.order, "neither repository reaches the scanner")
}

func TestRunCycleFailureIncrementsStreak(t *testing.T) {
	st := newFakeStore()
	repoID := st.add(activeRepo("broken"))

	failed := &model.DiscoveryResult{RepositoryID: repoID}
	failed.AddError(ferrors.GitHubAPI("boom").Build())
	scanner := &fakeScanner{results: map[uuid.UUID]*model.DiscoveryResult{repoID: failed}}

	engine := New(st, scanner, &fakeLoader{}, &fakeSyncer{}, Options{})
	results := engine.RunCycle(context.Background(), []uuid.UUID{repoID})

	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	require.Len(t, st.polls, 1)
	assert.False(t, st.polls[0].succeeded)
}

func TestRunCycleCancellationBetweenBatches(t *testing.T) {
	st := newFakeStore()
	var ids []uuid.UUID
	for _, name := range []string{"a", "b", "c"} {
		ids = append(ids, st.add(activeRepo(name)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	scanner := &fakeScanner{onScan: cancel} // cancel as soon as the first repo is scanned
	rec := &fakeRecorder{}

	engine := New(st, scanner, &fakeLoader{}, &fakeSyncer{}, Options{MaxConcurrent: 1}).
		WithRecorder(rec)
	results := engine.RunCycle(ctx, ids)

	require.Len(t, results, 3)
	assert.Len(t, scanner.order, 1, "only the first window ran")

	var cancelled int
	for _, r := range results {
		for _, err := range r.Errors {
			if err.Kind() == ferrors.KindDiscoveryCycle {
				cancelled++
			}
		}
	}
	assert.Equal(t, 2, cancelled, "remaining repositories get explicit cancelled results")
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, metrics.OutcomeCancelled, rec.outcomes[0])
}

func TestRunCycleScansWithoutCutoff(t *testing.T) {
	st := newFakeStore()
	polled := time.Now().Add(-time.Hour)
	repo := activeRepo("repo-a")
	repo.LastPolledAt = &polled
	repoID := st.add(repo)

	scanner := &fakeScanner{}
	engine := New(st, scanner, &fakeLoader{}, &fakeSyncer{}, Options{})
	engine.RunCycle(context.Background(), []uuid.UUID{repoID})

	require.Len(t, scanner.sinces, 1)
	assert.True(t, scanner.sinces[0].IsZero(),
		"previously polled repositories still get the complete listing")
}

func TestRunCycleReportsActiveWorkers(t *testing.T) {
	st := newFakeStore()
	repoID := st.add(activeRepo("repo-a"))

	rec := &fakeRecorder{}
	engine := New(st, &fakeScanner{}, &fakeLoader{}, &fakeSyncer{}, Options{}).
		WithRecorder(rec)
	engine.RunCycle(context.Background(), []uuid.UUID{repoID})

	require.NotEmpty(t, rec.workers)
	assert.Contains(t, rec.workers, 1)
	assert.Zero(t, rec.workers[len(rec.workers)-1], "the gauge drains when the cycle ends")
}

func TestRunCycleWithLimiterReservation(t *testing.T) {
	st := newFakeStore()
	repoID := st.add(activeRepo("repo-a"))

	limiter := ratelimit.New(ratelimit.DefaultLimits())
	engine := New(st, &fakeScanner{}, &fakeLoader{}, &fakeSyncer{}, Options{}).
		WithLimiter(limiter)

	results := engine.RunCycle(context.Background(), []uuid.UUID{repoID})
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Errors)

	status := limiter.Status()[ratelimit.ResourceCore]
	assert.Less(t, status.Tokens, status.Capacity, "the reservation consumed core tokens")
}

func TestCacheHitRateSmoothing(t *testing.T) {
	st := newFakeStore()
	repoID := st.add(activeRepo("repo-a"))

	scanner := &fakeScanner{results: map[uuid.UUID]*model.DiscoveryResult{
		repoID: {RepositoryID: repoID, CacheHits: 1, CacheMisses: 0},
	}}
	engine := New(st, scanner, &fakeLoader{}, &fakeSyncer{}, Options{})

	engine.RunCycle(context.Background(), []uuid.UUID{repoID})
	assert.InDelta(t, 0.7, engine.Status().CacheHitRate, 1e-9,
		"first cycle at full hit rate smooths to 0.7 from a zero baseline")

	engine.RunCycle(context.Background(), []uuid.UUID{repoID})
	assert.InDelta(t, 0.91, engine.Status().CacheHitRate, 1e-9)
}

func TestStatusDegradedOnRecentErrors(t *testing.T) {
	engine := New(newFakeStore(), &fakeScanner{}, &fakeLoader{}, &fakeSyncer{}, Options{})
	engine.Collector().RecordCycle(metrics.CycleRecord{
		CompletedAt: time.Now().Add(-10 * time.Minute),
		Errors:      degradedErrorThreshold + 1,
	})
	assert.Equal(t, "degraded", engine.Status().Status)
}
