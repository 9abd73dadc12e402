package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/prmonitor/internal/model"
)

const repositoryColumns = `id, url, name, status, failure_count, config_override,
	 last_polled_at, polling_interval, created_at, updated_at`

// repoRow adds the serialized per-repository overrides to the model row.
type repoRow struct {
	model.Repository
	Overrides []byte `db:"config_override"`
}

func (r repoRow) toModel() (model.Repository, error) {
	repo := r.Repository
	if len(r.Overrides) > 0 && string(r.Overrides) != "{}" {
		if err := json.Unmarshal(r.Overrides, &repo.ConfigOverride); err != nil {
			return repo, fmt.Errorf("decode config override for %s: %w", repo.ID, err)
		}
	}
	return repo, nil
}

func marshalOverride(override map[string]string) ([]byte, error) {
	if len(override) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(override)
}

// AddRepository registers a repository for monitoring. The engine never calls
// this; it exists for admin tooling and tests.
func (s *Store) AddRepository(ctx context.Context, url, name string, interval time.Duration) (*model.Repository, error) {
	now := nowUTC()
	repo := &model.Repository{
		ID:              uuid.New(),
		URL:             url,
		Name:            name,
		Status:          model.RepositoryActive,
		PollingInterval: interval,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, url, name, status, failure_count, config_override, polling_interval, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, '{}', ?, ?, ?)`,
		repo.ID, repo.URL, repo.Name, repo.Status, repo.PollingInterval, repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert repository: %w", err)
	}
	return repo, nil
}

// GetRepository fetches a repository by id, or nil when absent.
func (s *Store) GetRepository(ctx context.Context, id uuid.UUID) (*model.Repository, error) {
	var row repoRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query repository: %w", err)
	}
	repo, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepositories returns every repository regardless of status.
func (s *Store) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	var rows []repoRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+repositoryColumns+` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	repos := make([]model.Repository, 0, len(rows))
	for _, row := range rows {
		repo, err := row.toModel()
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// DueForPolling returns the active repositories whose polling interval has
// elapsed since their last poll. Never-polled repositories are always due.
func (s *Store) DueForPolling(ctx context.Context, now time.Time) ([]model.Repository, error) {
	var rows []repoRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+repositoryColumns+`
		 FROM repositories
		 WHERE status = ?
		 ORDER BY last_polled_at IS NOT NULL, last_polled_at`,
		model.RepositoryActive)
	if err != nil {
		return nil, fmt.Errorf("query due repositories: %w", err)
	}

	// The interval arithmetic stays in Go: sqlite has no duration type and
	// polling_interval is stored as nanoseconds.
	due := make([]model.Repository, 0, len(rows))
	for _, row := range rows {
		if row.LastPolledAt != nil && now.Sub(*row.LastPolledAt) < row.PollingInterval {
			continue
		}
		repo, err := row.toModel()
		if err != nil {
			return nil, err
		}
		due = append(due, repo)
	}
	return due, nil
}

// SetConfigOverride replaces a repository's per-repository overrides, such as
// a pinned discovery priority.
func (s *Store) SetConfigOverride(ctx context.Context, id uuid.UUID, override map[string]string) error {
	data, err := marshalOverride(override)
	if err != nil {
		return fmt.Errorf("encode config override: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET config_override = ?, updated_at = ? WHERE id = ?`,
		data, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update config override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %s not found", id)
	}
	return nil
}

// UpdatePollStatus stamps last_polled_at and resets or increments the failure
// streak depending on the cycle outcome.
func (s *Store) UpdatePollStatus(ctx context.Context, id uuid.UUID, polledAt time.Time, succeeded bool) error {
	var query string
	if succeeded {
		query = `UPDATE repositories SET last_polled_at = ?, failure_count = 0, updated_at = ? WHERE id = ?`
	} else {
		query = `UPDATE repositories SET last_polled_at = ?, failure_count = failure_count + 1, updated_at = ? WHERE id = ?`
	}
	if _, err := s.db.ExecContext(ctx, query, polledAt.UTC(), nowUTC(), id); err != nil {
		return fmt.Errorf("update poll status: %w", err)
	}
	return nil
}

// SetRepositoryStatus flips a repository between active, suspended, and error.
func (s *Store) SetRepositoryStatus(ctx context.Context, id uuid.UUID, status model.RepositoryStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update repository status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %s not found", id)
	}
	return nil
}
