// Package events publishes discovery outcomes to downstream consumers.
// Delivery is at-least-once, best-effort: publish failures are logged and
// counted, never surfaced to the caller.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// Publisher is the outbound event surface of the engine.
type Publisher interface {
	// NewPR announces a freshly discovered pull request.
	NewPR(ctx context.Context, repositoryID uuid.UUID, pr *model.DiscoveredPR)
	// StateChange announces one significant state change.
	StateChange(ctx context.Context, change model.StateChange)
	// FailedCheck announces a check run that concluded with failure.
	FailedCheck(ctx context.Context, repositoryID uuid.UUID, prNumber int, check *model.DiscoveredCheckRun)
	// DiscoveryComplete announces the end of a cycle with its aggregates.
	DiscoveryComplete(ctx context.Context, summary CycleSummary)
	// Close releases the underlying connection.
	Close() error
}

// CycleSummary is the payload of a discovery_complete event.
type CycleSummary struct {
	CycleID          string    `json:"cycle_id"`
	Repositories     int       `json:"repositories"`
	PRsDiscovered    int       `json:"prs_discovered"`
	ChecksDiscovered int       `json:"checks_discovered"`
	StateChanges     int       `json:"state_changes"`
	Errors           int       `json:"errors"`
	DurationMS       float64   `json:"duration_ms"`
	CompletedAt      time.Time `json:"completed_at"`
}

// NoopPublisher discards everything. Default when no consumer is configured.
type NoopPublisher struct{}

func (NoopPublisher) NewPR(context.Context, uuid.UUID, *model.DiscoveredPR)                  {}
func (NoopPublisher) StateChange(context.Context, model.StateChange)                         {}
func (NoopPublisher) FailedCheck(context.Context, uuid.UUID, int, *model.DiscoveredCheckRun) {}
func (NoopPublisher) DiscoveryComplete(context.Context, CycleSummary)                        {}
func (NoopPublisher) Close() error                                                           { return nil }

// counters tracks publish outcomes; embedded by real publishers.
type counters struct {
	published atomic.Uint64
	failed    atomic.Uint64
}

// PublishStats is a point-in-time view of a publisher's delivery counters.
type PublishStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

func (c *counters) stats() PublishStats {
	return PublishStats{Published: c.published.Load(), Failed: c.failed.Load()}
}
