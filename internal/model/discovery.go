package model

import (
	"time"

	"github.com/google/uuid"

	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
)

// DiscoveredCheckRun is the transient projection of a remote check run, used
// for diffing. Not persisted directly.
type DiscoveredCheckRun struct {
	ExternalID  string            `json:"external_id"`
	Name        string            `json:"name"`
	Status      CheckStatus       `json:"status"`
	Conclusion  CheckConclusion   `json:"conclusion,omitempty"`
	LogsURL     string            `json:"logs_url"`
	DetailsURL  string            `json:"details_url"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DiscoveredPR is the transient projection of a remote pull request.
type DiscoveredPR struct {
	Number     int                  `json:"number"`
	Title      string               `json:"title"`
	Author     string               `json:"author"`
	State      PRState              `json:"state"`
	Draft      bool                 `json:"draft"`
	BaseBranch string               `json:"base_branch"`
	BaseSHA    string               `json:"base_sha"`
	HeadBranch string               `json:"head_branch"`
	HeadSHA    string               `json:"head_sha"`
	URL        string               `json:"url"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Metadata   map[string]string    `json:"metadata,omitempty"`
	CheckRuns  []DiscoveredCheckRun `json:"check_runs"`
}

// DiscoveryResult is the per-repository aggregate of one cycle. Owned by the
// cycle and discarded at its end.
type DiscoveryResult struct {
	RepositoryID  uuid.UUID      `json:"repository_id"`
	RepositoryURL string         `json:"repository_url"`
	DiscoveredPRs []DiscoveredPR `json:"discovered_prs"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at"`
	APICallsUsed  int            `json:"api_calls_used"`
	CacheHits     int            `json:"cache_hits"`
	CacheMisses   int            `json:"cache_misses"`
	// Filtered marks a listing fetched with a time cutoff. A filtered
	// listing omits untouched PRs, so absences say nothing about deletions.
	Filtered bool `json:"filtered,omitempty"`
	// FromCache marks a snapshot reused via a 304; with no detected changes
	// the synchronizer has nothing to write for it.
	FromCache      bool                       `json:"from_cache,omitempty"`
	ProcessingTime time.Duration              `json:"processing_time"`
	Errors         []*ferrors.ClassifiedError `json:"errors,omitempty"`
}

// Failed reports whether the result carries any unrecoverable error or found
// nothing because of errors.
func (r *DiscoveryResult) Failed() bool {
	return len(r.Errors) > 0 && len(r.DiscoveredPRs) == 0
}

// AddError appends a classified error to the result.
func (r *DiscoveryResult) AddError(err error) {
	if err == nil {
		return
	}
	if classified, ok := ferrors.AsClassified(err); ok {
		r.Errors = append(r.Errors, classified)
		return
	}
	r.Errors = append(r.Errors, ferrors.Wrap(err, ferrors.KindUnexpected, "unclassified").Build())
}

// StoredPRState is the loader's per-PR snapshot used for diffing: the latest
// check conclusion per check name, keyed by name.
type StoredPRState struct {
	ID        uuid.UUID                  `json:"id"`
	Number    int                        `json:"pr_number"`
	State     PRState                    `json:"state"`
	HeadSHA   string                     `json:"head_sha"`
	UpdatedAt time.Time                  `json:"updated_at"`
	CheckRuns map[string]CheckConclusion `json:"check_runs"`
}

// RepositoryState is one repository's stored snapshot keyed by PR number.
type RepositoryState struct {
	RepositoryID uuid.UUID             `json:"repository_id"`
	PRs          map[int]StoredPRState `json:"prs"`
}

// EntityKind tags which entity a state change concerns.
type EntityKind string

const (
	EntityPullRequest EntityKind = "pull_request"
	EntityCheckRun    EntityKind = "check_run"
)

// ChangeKind classifies a state change.
type ChangeKind string

const (
	ChangeCreated      ChangeKind = "created"
	ChangeUpdated      ChangeKind = "updated"
	ChangeStateChanged ChangeKind = "state_changed"
	ChangeDeleted      ChangeKind = "deleted"
)

// StateChange is a transient event describing one significant difference
// between a discovered entity and its stored counterpart. EntityID is the nil
// UUID for creations until the synchronizer resolves it.
type StateChange struct {
	Entity     EntityKind        `json:"entity"`
	EntityID   uuid.UUID         `json:"entity_id"`
	ExternalID string            `json:"external_id"`
	OldState   string            `json:"old_state,omitempty"`
	NewState   string            `json:"new_state"`
	Kind       ChangeKind        `json:"kind"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
}

// SynchronizationResult aggregates one sync pass over a cycle's results.
type SynchronizationResult struct {
	PRsProcessed        int                        `json:"prs_processed"`
	PRsCreated          int                        `json:"prs_created"`
	PRsUpdated          int                        `json:"prs_updated"`
	ChecksProcessed     int                        `json:"checks_processed"`
	ChecksCreated       int                        `json:"checks_created"`
	ChecksUpdated       int                        `json:"checks_updated"`
	TransitionsRecorded int                        `json:"transitions_recorded"`
	Errors              []*ferrors.ClassifiedError `json:"errors,omitempty"`
	ProcessingTime      time.Duration              `json:"processing_time"`
}
