package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
	"git.home.luguber.info/inful/prmonitor/internal/logfields"
	"git.home.luguber.info/inful/prmonitor/internal/model"
)

const defaultSyncBatchSize = 100

// RepositorySync pairs one repository's discovery result with the state
// changes detected against its stored snapshot.
type RepositorySync struct {
	Result  *model.DiscoveryResult
	Changes []model.StateChange
}

// Synchronizer persists a cycle's discovered PRs and check runs and appends
// the state-transition history. Each repository runs in its own transaction;
// a failed repository rolls back alone and the rest continue.
type Synchronizer struct {
	store     *Store
	loader    *StateLoader // optional, invalidated after writes
	logger    *slog.Logger
	batchSize int
}

// NewSynchronizer builds a synchronizer; loader may be nil.
func NewSynchronizer(store *Store, loader *StateLoader, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:     store,
		loader:    loader,
		logger:    logger,
		batchSize: defaultSyncBatchSize,
	}
}

// WithBatchSize overrides how many rows one batched lookup or insert covers.
func (s *Synchronizer) WithBatchSize(n int) *Synchronizer {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Sync processes every repository in the batch and aggregates the outcome.
// Never errors; per-repository failures land in the result's error list.
// Placeholder entity ids on the items' changes are resolved in place, so
// callers that publish the changes afterwards see the persisted row ids.
func (s *Synchronizer) Sync(ctx context.Context, items []RepositorySync) *model.SynchronizationResult {
	start := time.Now()
	result := &model.SynchronizationResult{}

	for _, item := range items {
		if item.Result == nil || len(item.Result.DiscoveredPRs) == 0 && len(item.Changes) == 0 {
			continue
		}
		if err := s.syncRepository(ctx, item, result); err != nil {
			s.logger.Error("repository sync failed",
				logfields.RepositoryID(item.Result.RepositoryID.String()),
				logfields.Error(err))
			classified, ok := ferrors.AsClassified(err)
			if !ok {
				classified = ferrors.Wrap(err, ferrors.KindPRBatchSync, "repository sync failed").
					WithContext("repository_id", item.Result.RepositoryID.String()).
					Build()
			}
			result.Errors = append(result.Errors, classified)
			continue
		}
		if s.loader != nil {
			s.loader.Invalidate(ctx, item.Result.RepositoryID)
		}
	}

	result.ProcessingTime = time.Since(start)
	return result
}

// syncRepository runs one repository's writes inside a transaction.
func (s *Synchronizer) syncRepository(ctx context.Context, item RepositorySync, result *model.SynchronizationResult) error {
	tx, err := s.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prIDs, created, updated, err := s.writePRs(ctx, tx, item.Result)
	if err != nil {
		return err
	}
	result.PRsProcessed += len(item.Result.DiscoveredPRs)
	result.PRsCreated += created
	result.PRsUpdated += updated

	checkIDs := checkIDIndex{byExternal: map[string]uuid.UUID{}, byName: map[string]uuid.UUID{}}
	for i := range item.Result.DiscoveredPRs {
		pr := &item.Result.DiscoveredPRs[i]
		prID, ok := prIDs[pr.Number]
		if !ok {
			continue
		}
		c, u, err := s.writeChecks(ctx, tx, prID, pr.Number, pr.CheckRuns, checkIDs)
		if err != nil {
			return err
		}
		result.ChecksProcessed += len(pr.CheckRuns)
		result.ChecksCreated += c
		result.ChecksUpdated += u
	}

	recorded, err := s.writeTransitions(ctx, tx, item.Changes, prIDs, checkIDs)
	if err != nil {
		return err
	}
	result.TransitionsRecorded += recorded

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// writePRs partitions discovered PRs into create and update sets against the
// existing (id, pr_number) rows and writes both. Returns resolved ids keyed
// by PR number.
func (s *Synchronizer) writePRs(ctx context.Context, tx *sqlx.Tx, res *model.DiscoveryResult) (map[int]uuid.UUID, int, int, error) {
	prIDs := make(map[int]uuid.UUID, len(res.DiscoveredPRs))
	if len(res.DiscoveredPRs) == 0 {
		return prIDs, 0, 0, nil
	}

	numbers := make([]int, 0, len(res.DiscoveredPRs))
	for _, pr := range res.DiscoveredPRs {
		numbers = append(numbers, pr.Number)
	}

	existing := make(map[int]uuid.UUID, len(numbers))
	for _, chunk := range chunkInts(numbers, s.batchSize) {
		query, args, err := sqlx.In(
			`SELECT id, pr_number FROM pull_requests WHERE repository_id = ? AND pr_number IN (?)`,
			res.RepositoryID, chunk)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("build lookup query: %w", err)
		}
		rows := []struct {
			ID     uuid.UUID `db:"id"`
			Number int       `db:"pr_number"`
		}{}
		if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
			return nil, 0, 0, fmt.Errorf("lookup existing prs: %w", err)
		}
		for _, row := range rows {
			existing[row.Number] = row.ID
		}
	}

	var created, updated int
	now := nowUTC()
	for i := range res.DiscoveredPRs {
		pr := &res.DiscoveredPRs[i]
		if id, ok := existing[pr.Number]; ok {
			if err := s.updatePR(ctx, tx, id, pr, now); err != nil {
				return nil, 0, 0, err
			}
			prIDs[pr.Number] = id
			updated++
			continue
		}
		id, err := s.insertPR(ctx, tx, res.RepositoryID, pr, now)
		if err != nil {
			return nil, 0, 0, err
		}
		prIDs[pr.Number] = id
		created++
	}
	return prIDs, created, updated, nil
}

func (s *Synchronizer) insertPR(ctx context.Context, tx *sqlx.Tx, repoID uuid.UUID, pr *model.DiscoveredPR, now time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pull_requests
			(id, repository_id, pr_number, title, author, state, draft,
			 base_branch, base_sha, head_branch, head_sha, url,
			 last_checked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, repoID, pr.Number, pr.Title, pr.Author, pr.State, pr.Draft,
		pr.BaseBranch, pr.BaseSHA, pr.HeadBranch, pr.HeadSHA, pr.URL,
		now, now, now)
	if isConstraintViolation(err) {
		// Lost a race on (repository_id, pr_number): fall back to an upsert
		// once, keeping the winner's id.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pull_requests
				(id, repository_id, pr_number, title, author, state, draft,
				 base_branch, base_sha, head_branch, head_sha, url,
				 last_checked_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (repository_id, pr_number) DO UPDATE SET
				title = excluded.title, author = excluded.author,
				state = excluded.state, draft = excluded.draft,
				head_branch = excluded.head_branch, head_sha = excluded.head_sha,
				url = excluded.url, last_checked_at = excluded.last_checked_at,
				updated_at = excluded.updated_at`,
			id, repoID, pr.Number, pr.Title, pr.Author, pr.State, pr.Draft,
			pr.BaseBranch, pr.BaseSHA, pr.HeadBranch, pr.HeadSHA, pr.URL,
			now, now, now)
		if err == nil {
			var winner uuid.UUID
			if err := tx.GetContext(ctx, &winner,
				`SELECT id FROM pull_requests WHERE repository_id = ? AND pr_number = ?`,
				repoID, pr.Number); err != nil {
				return uuid.Nil, fmt.Errorf("resolve pr after upsert: %w", err)
			}
			return winner, nil
		}
	}
	if err != nil {
		return uuid.Nil, ferrors.Wrap(err, ferrors.KindPRBatchSync, "insert pull request").
			WithContext("pr_number", pr.Number).
			Build()
	}
	return id, nil
}

func (s *Synchronizer) updatePR(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, pr *model.DiscoveredPR, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pull_requests SET
			title = ?, author = ?, state = ?, draft = ?,
			base_branch = ?, base_sha = ?, head_branch = ?, head_sha = ?,
			url = ?, last_checked_at = ?, updated_at = ?
		WHERE id = ?`,
		pr.Title, pr.Author, pr.State, pr.Draft,
		pr.BaseBranch, pr.BaseSHA, pr.HeadBranch, pr.HeadSHA,
		pr.URL, now, now, id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.KindPRBatchSync, "update pull request").
			WithContext("pr_number", pr.Number).
			Build()
	}
	return nil
}

// checkIDIndex accumulates resolved check-run row ids across one
// repository's writes, keyed by external id and by "<pr>:<name>" for
// vanished checks that only carry a name.
type checkIDIndex struct {
	byExternal map[string]uuid.UUID
	byName     map[string]uuid.UUID
}

func checkNameKey(prNumber, checkName string) string {
	return prNumber + ":" + checkName
}

// writeChecks partitions one PR's check runs by external_id and writes both
// sets, recording every resolved row id in index.
func (s *Synchronizer) writeChecks(ctx context.Context, tx *sqlx.Tx, prID uuid.UUID, prNumber int, runs []model.DiscoveredCheckRun, index checkIDIndex) (int, int, error) {
	existing := map[string]uuid.UUID{}
	rows := []struct {
		ID         uuid.UUID `db:"id"`
		ExternalID string    `db:"external_id"`
		Name       string    `db:"name"`
	}{}
	if err := tx.SelectContext(ctx, &rows,
		`SELECT id, external_id, name FROM check_runs WHERE pull_request_id = ?`, prID); err != nil {
		return 0, 0, fmt.Errorf("lookup existing checks: %w", err)
	}
	number := strconv.Itoa(prNumber)
	for _, row := range rows {
		existing[row.ExternalID] = row.ID
		index.byExternal[row.ExternalID] = row.ID
		index.byName[checkNameKey(number, row.Name)] = row.ID
	}

	var created, updated int
	now := nowUTC()
	for i := range runs {
		run := &runs[i]
		if id, ok := existing[run.ExternalID]; ok {
			_, err := tx.ExecContext(ctx, `
				UPDATE check_runs SET
					name = ?, status = ?, conclusion = ?,
					logs_url = ?, details_url = ?,
					started_at = ?, completed_at = ?, updated_at = ?
				WHERE id = ?`,
				run.Name, run.Status, run.Conclusion,
				run.LogsURL, run.DetailsURL,
				run.StartedAt, run.CompletedAt, now, id)
			if err != nil {
				return 0, 0, ferrors.Wrap(err, ferrors.KindSynchronization, "update check run").
					WithContext("external_id", run.ExternalID).
					Build()
			}
			index.byName[checkNameKey(number, run.Name)] = id
			updated++
			continue
		}

		// RETURNING resolves the surviving row id when the upsert hits a
		// check re-homed from another PR.
		var id uuid.UUID
		err := tx.GetContext(ctx, &id, `
			INSERT INTO check_runs
				(id, pull_request_id, external_id, name, status, conclusion,
				 logs_url, details_url, started_at, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (external_id) DO UPDATE SET
				pull_request_id = excluded.pull_request_id,
				name = excluded.name, status = excluded.status,
				conclusion = excluded.conclusion,
				logs_url = excluded.logs_url, details_url = excluded.details_url,
				started_at = excluded.started_at, completed_at = excluded.completed_at,
				updated_at = excluded.updated_at
			RETURNING id`,
			uuid.New(), prID, run.ExternalID, run.Name, run.Status, run.Conclusion,
			run.LogsURL, run.DetailsURL, run.StartedAt, run.CompletedAt, now, now)
		if err != nil {
			return 0, 0, ferrors.Wrap(err, ferrors.KindSynchronization, "insert check run").
				WithContext("external_id", run.ExternalID).
				Build()
		}
		index.byExternal[run.ExternalID] = id
		index.byName[checkNameKey(number, run.Name)] = id
		created++
	}
	return created, updated, nil
}

// writeTransitions appends one history row per state change, resolving
// placeholder ids against the rows this transaction wrote: PR changes through
// prIDs, check changes through the index by external id or by name. Resolved
// ids are written back into the slice for downstream consumers.
func (s *Synchronizer) writeTransitions(ctx context.Context, tx *sqlx.Tx, changes []model.StateChange, prIDs map[int]uuid.UUID, checkIDs checkIDIndex) (int, error) {
	var recorded int
	for i := range changes {
		change := &changes[i]
		if change.EntityID == uuid.Nil {
			switch change.Entity {
			case model.EntityPullRequest:
				if number, ok := prNumberFrom(*change); ok {
					change.EntityID = prIDs[number]
				}
			case model.EntityCheckRun:
				if id, ok := checkIDs.byExternal[change.ExternalID]; ok && change.ExternalID != "" {
					change.EntityID = id
				} else if id, ok := checkIDs.byName[checkNameKey(change.Metadata["pr_number"], change.Metadata["check_name"])]; ok {
					change.EntityID = id
				}
			}
		}

		var metadataJSON []byte
		if len(change.Metadata) > 0 {
			var err error
			metadataJSON, err = json.Marshal(change.Metadata)
			if err != nil {
				return recorded, fmt.Errorf("marshal transition metadata: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO pr_state_history (id, entity_id, old_state, new_state, trigger_kind, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New(), change.EntityID, change.OldState, change.NewState,
			triggerFor(*change), metadataJSON, nowUTC())
		if err != nil {
			return recorded, ferrors.Wrap(err, ferrors.KindSynchronization, "record state transition").
				Build()
		}
		recorded++
	}
	return recorded, nil
}

// triggerFor derives the transition trigger from the change shape. Check-run
// changes are all filed under manual_check; PR changes map onto the webhook
// vocabulary.
func triggerFor(change model.StateChange) model.TriggerKind {
	if change.Entity == model.EntityCheckRun {
		return model.TriggerManualCheck
	}
	switch change.Kind {
	case model.ChangeCreated:
		return model.TriggerOpened
	case model.ChangeStateChanged:
		if change.NewState == string(model.PROpened) {
			return model.TriggerReopened
		}
		return model.TriggerClosed
	case model.ChangeDeleted:
		return model.TriggerClosed
	case model.ChangeUpdated:
		if change.Metadata["change_type"] == "head_sha_updated" {
			return model.TriggerSynchronize
		}
	}
	return model.TriggerEdited
}

func prNumberFrom(change model.StateChange) (int, bool) {
	raw, ok := change.Metadata["pr_number"]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func chunkInts(values []int, size int) [][]int {
	if size <= 0 {
		size = defaultSyncBatchSize
	}
	var chunks [][]int
	for len(values) > size {
		chunks = append(chunks, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		chunks = append(chunks, values)
	}
	return chunks
}
