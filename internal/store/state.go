package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/prmonitor/internal/cache"
	"git.home.luguber.info/inful/prmonitor/internal/logfields"
	"git.home.luguber.info/inful/prmonitor/internal/model"
)

const (
	stateMemoTTL         = 60 * time.Second
	stateCacheTTL        = 5 * time.Minute
	stateLoadParallelism = 10
)

// StateLoader materialises the stored snapshot of a repository for diffing:
// every PR keyed by number, with the latest conclusion per check name. Reads
// go memo -> shared cache -> database; database errors degrade to an empty
// state so the cycle proceeds.
type StateLoader struct {
	store  *Store
	cache  *cache.TwoTier // optional
	logger *slog.Logger

	mu   sync.Mutex
	memo map[uuid.UUID]memoEntry
}

type memoEntry struct {
	state     *model.RepositoryState
	expiresAt time.Time
}

// NewStateLoader builds a loader over the store; shared may be nil.
func NewStateLoader(store *Store, shared *cache.TwoTier, logger *slog.Logger) *StateLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateLoader{
		store:  store,
		cache:  shared,
		logger: logger,
		memo:   make(map[uuid.UUID]memoEntry),
	}
}

// Load returns the repository's stored state. Never errors: any failure is
// logged and yields an empty state.
func (l *StateLoader) Load(ctx context.Context, repositoryID uuid.UUID) *model.RepositoryState {
	if state := l.fromMemo(repositoryID); state != nil {
		return state
	}

	key := stateCacheKey(repositoryID)
	if l.cache != nil {
		var cached model.RepositoryState
		if l.cache.GetJSON(ctx, key, &cached) && cached.PRs != nil {
			l.remember(repositoryID, &cached)
			return &cached
		}
	}

	state, err := l.readState(ctx, repositoryID)
	if err != nil {
		l.logger.Warn("state load failed, proceeding with empty state",
			logfields.RepositoryID(repositoryID.String()),
			logfields.Error(err))
		return &model.RepositoryState{RepositoryID: repositoryID, PRs: map[int]model.StoredPRState{}}
	}

	l.remember(repositoryID, state)
	if l.cache != nil {
		l.cache.SetJSON(ctx, key, state, stateCacheTTL)
	}
	return state
}

// LoadBatch loads many repositories concurrently, bounded at ten parallel
// reads, and returns states keyed by repository id.
func (l *StateLoader) LoadBatch(ctx context.Context, repositoryIDs []uuid.UUID) map[uuid.UUID]*model.RepositoryState {
	states := make(map[uuid.UUID]*model.RepositoryState, len(repositoryIDs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(stateLoadParallelism)
	for _, id := range repositoryIDs {
		g.Go(func() error {
			state := l.Load(ctx, id)
			mu.Lock()
			states[id] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // Load never errors
	return states
}

// Invalidate drops a repository's memoised and shared-cache state. Called by
// the synchronizer after writes so the next cycle sees fresh state.
func (l *StateLoader) Invalidate(ctx context.Context, repositoryID uuid.UUID) {
	l.mu.Lock()
	delete(l.memo, repositoryID)
	l.mu.Unlock()
	if l.cache != nil {
		l.cache.Delete(ctx, stateCacheKey(repositoryID))
	}
}

func (l *StateLoader) fromMemo(id uuid.UUID) *model.RepositoryState {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.memo[id]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(l.memo, id)
		return nil
	}
	return entry.state
}

func (l *StateLoader) remember(id uuid.UUID, state *model.RepositoryState) {
	l.mu.Lock()
	l.memo[id] = memoEntry{state: state, expiresAt: time.Now().Add(stateMemoTTL)}
	l.mu.Unlock()
}

func (l *StateLoader) readState(ctx context.Context, repositoryID uuid.UUID) (*model.RepositoryState, error) {
	type prRow struct {
		ID        uuid.UUID `db:"id"`
		Number    int       `db:"pr_number"`
		State     string    `db:"state"`
		HeadSHA   string    `db:"head_sha"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	var prs []prRow
	err := l.store.db.SelectContext(ctx, &prs,
		`SELECT id, pr_number, state, head_sha, updated_at
		 FROM pull_requests WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("query pull requests: %w", err)
	}

	state := &model.RepositoryState{
		RepositoryID: repositoryID,
		PRs:          make(map[int]model.StoredPRState, len(prs)),
	}
	byID := make(map[uuid.UUID]int, len(prs))
	for _, row := range prs {
		state.PRs[row.Number] = model.StoredPRState{
			ID:        row.ID,
			Number:    row.Number,
			State:     model.PRState(row.State),
			HeadSHA:   row.HeadSHA,
			UpdatedAt: row.UpdatedAt,
			CheckRuns: map[string]model.CheckConclusion{},
		}
		byID[row.ID] = row.Number
	}
	if len(prs) == 0 {
		return state, nil
	}

	// Ascending updated_at so the last row per (pr, name) wins: the snapshot
	// keeps only the latest conclusion per check name.
	type checkRow struct {
		PullRequestID uuid.UUID `db:"pull_request_id"`
		Name          string    `db:"name"`
		Conclusion    string    `db:"conclusion"`
	}
	var checks []checkRow
	err = l.store.db.SelectContext(ctx, &checks,
		`SELECT cr.pull_request_id, cr.name, cr.conclusion
		 FROM check_runs cr
		 JOIN pull_requests pr ON pr.id = cr.pull_request_id
		 WHERE pr.repository_id = ?
		 ORDER BY cr.updated_at ASC`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("query check runs: %w", err)
	}

	for _, row := range checks {
		number, ok := byID[row.PullRequestID]
		if !ok {
			continue
		}
		state.PRs[number].CheckRuns[row.Name] = model.CheckConclusion(row.Conclusion)
	}
	return state, nil
}

func stateCacheKey(id uuid.UUID) string {
	return "state:" + id.String()
}
