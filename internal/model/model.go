// Package model holds the discovery engine's domain types: the persisted
// entities owned by the relational store and the transient projections a
// single discovery cycle produces and discards.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RepositoryStatus is the activity state of a monitored repository.
type RepositoryStatus string

const (
	RepositoryActive    RepositoryStatus = "active"
	RepositorySuspended RepositoryStatus = "suspended"
	RepositoryError     RepositoryStatus = "error"
)

// Repository is a monitored source-control repository. Created externally;
// the engine only mutates FailureCount and LastPolledAt.
type Repository struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	URL             string            `db:"url" json:"url"`
	Name            string            `db:"name" json:"name"`
	Status          RepositoryStatus  `db:"status" json:"status"`
	FailureCount    int               `db:"failure_count" json:"failure_count"`
	ConfigOverride  map[string]string `db:"-" json:"config_override,omitempty"`
	LastPolledAt    *time.Time        `db:"last_polled_at" json:"last_polled_at,omitempty"`
	PollingInterval time.Duration     `db:"polling_interval" json:"polling_interval"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PROpened PRState = "opened"
	PRClosed PRState = "closed"
	PRMerged PRState = "merged"
)

// PullRequest is a persisted pull request row. Never deleted by the engine;
// closed and merged PRs are retained.
type PullRequest struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	RepositoryID  uuid.UUID         `db:"repository_id" json:"repository_id"`
	Number        int               `db:"pr_number" json:"pr_number"`
	Title         string            `db:"title" json:"title"`
	Author        string            `db:"author" json:"author"`
	State         PRState           `db:"state" json:"state"`
	Draft         bool              `db:"draft" json:"draft"`
	BaseBranch    string            `db:"base_branch" json:"base_branch"`
	BaseSHA       string            `db:"base_sha" json:"base_sha"`
	HeadBranch    string            `db:"head_branch" json:"head_branch"`
	HeadSHA       string            `db:"head_sha" json:"head_sha"`
	URL           string            `db:"url" json:"url"`
	Metadata      map[string]string `db:"-" json:"metadata,omitempty"`
	LastCheckedAt time.Time         `db:"last_checked_at" json:"last_checked_at"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// CheckStatus is the execution state of a check run.
type CheckStatus string

const (
	CheckQueued     CheckStatus = "queued"
	CheckInProgress CheckStatus = "in_progress"
	CheckCompleted  CheckStatus = "completed"
	CheckCancelled  CheckStatus = "cancelled"
)

// CheckConclusion is the terminal outcome of a completed check run.
type CheckConclusion string

const (
	ConclusionSuccess        CheckConclusion = "success"
	ConclusionFailure        CheckConclusion = "failure"
	ConclusionNeutral        CheckConclusion = "neutral"
	ConclusionCancelled      CheckConclusion = "cancelled"
	ConclusionTimedOut       CheckConclusion = "timed_out"
	ConclusionActionRequired CheckConclusion = "action_required"
	ConclusionStale          CheckConclusion = "stale"
	ConclusionSkipped        CheckConclusion = "skipped"
)

// TerminalConclusions are the conclusions that settle a check run.
func (c CheckConclusion) Terminal() bool {
	switch c {
	case ConclusionSuccess, ConclusionFailure, ConclusionCancelled,
		ConclusionTimedOut, ConclusionActionRequired, ConclusionStale,
		ConclusionSkipped:
		return true
	}
	return false
}

// CheckRun is a persisted check-run row belonging to exactly one PullRequest.
// Invariant: Status == completed iff Conclusion != "".
type CheckRun struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	PullRequestID uuid.UUID         `db:"pull_request_id" json:"pull_request_id"`
	ExternalID    string            `db:"external_id" json:"external_id"`
	Name          string            `db:"name" json:"name"`
	Status        CheckStatus       `db:"status" json:"status"`
	Conclusion    CheckConclusion   `db:"conclusion" json:"conclusion,omitempty"`
	LogsURL       string            `db:"logs_url" json:"logs_url"`
	DetailsURL    string            `db:"details_url" json:"details_url"`
	StartedAt     *time.Time        `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	Metadata      map[string]string `db:"-" json:"metadata,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// TriggerKind classifies what caused a state transition.
type TriggerKind string

const (
	TriggerOpened      TriggerKind = "opened"
	TriggerSynchronize TriggerKind = "synchronize"
	TriggerClosed      TriggerKind = "closed"
	TriggerReopened    TriggerKind = "reopened"
	TriggerEdited      TriggerKind = "edited"
	TriggerManualCheck TriggerKind = "manual_check"
)

// StateTransition is an append-only audit row. Immutable once written.
type StateTransition struct {
	ID        uuid.UUID         `db:"id" json:"id"`
	EntityID  uuid.UUID         `db:"entity_id" json:"entity_id"`
	OldState  string            `db:"old_state" json:"old_state,omitempty"`
	NewState  string            `db:"new_state" json:"new_state"`
	Trigger   TriggerKind       `db:"trigger_kind" json:"trigger_kind"`
	Metadata  map[string]string `db:"-" json:"metadata,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}
