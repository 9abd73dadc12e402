package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// RecordingPublisher captures events in memory. Test helper.
type RecordingPublisher struct {
	mu sync.Mutex

	NewPRs       []model.DiscoveredPR
	Changes      []model.StateChange
	FailedChecks []model.DiscoveredCheckRun
	Summaries    []CycleSummary
}

func (r *RecordingPublisher) NewPR(_ context.Context, _ uuid.UUID, pr *model.DiscoveredPR) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NewPRs = append(r.NewPRs, *pr)
}

func (r *RecordingPublisher) StateChange(_ context.Context, change model.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Changes = append(r.Changes, change)
}

func (r *RecordingPublisher) FailedCheck(_ context.Context, _ uuid.UUID, _ int, check *model.DiscoveredCheckRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailedChecks = append(r.FailedChecks, *check)
}

func (r *RecordingPublisher) DiscoveryComplete(_ context.Context, summary CycleSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Summaries = append(r.Summaries, summary)
}

func (r *RecordingPublisher) Close() error { return nil }
