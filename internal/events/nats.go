package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/prmonitor/internal/logfields"
	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// Subject suffixes under the configured prefix.
const (
	subjectNewPR         = "pr.new"
	subjectStateChange   = "pr.state_change"
	subjectFailedCheck   = "check.failed"
	subjectCycleComplete = "cycle.complete"
)

// NATSPublisher publishes JSON events to NATS subjects under a prefix
// (default "prmonitor"): pr.new, pr.state_change, check.failed,
// cycle.complete.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
	counters
}

// NewNATSPublisher connects to NATS. An unreachable server at startup is an
// error; failures after that only count against delivery stats.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if prefix == "" {
		prefix = "prmonitor"
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("event publisher connected",
		logfields.URL(url),
		logfields.Subject(prefix+".>"))

	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

type newPREvent struct {
	RepositoryID uuid.UUID           `json:"repository_id"`
	PR           *model.DiscoveredPR `json:"pr"`
	Timestamp    time.Time           `json:"timestamp"`
}

type failedCheckEvent struct {
	RepositoryID uuid.UUID                 `json:"repository_id"`
	PRNumber     int                       `json:"pr_number"`
	Check        *model.DiscoveredCheckRun `json:"check"`
	Timestamp    time.Time                 `json:"timestamp"`
}

func (p *NATSPublisher) NewPR(ctx context.Context, repositoryID uuid.UUID, pr *model.DiscoveredPR) {
	p.publish(ctx, subjectNewPR, newPREvent{
		RepositoryID: repositoryID,
		PR:           pr,
		Timestamp:    time.Now().UTC(),
	})
}

func (p *NATSPublisher) StateChange(ctx context.Context, change model.StateChange) {
	p.publish(ctx, subjectStateChange, change)
}

func (p *NATSPublisher) FailedCheck(ctx context.Context, repositoryID uuid.UUID, prNumber int, check *model.DiscoveredCheckRun) {
	p.publish(ctx, subjectFailedCheck, failedCheckEvent{
		RepositoryID: repositoryID,
		PRNumber:     prNumber,
		Check:        check,
		Timestamp:    time.Now().UTC(),
	})
}

func (p *NATSPublisher) DiscoveryComplete(ctx context.Context, summary CycleSummary) {
	p.publish(ctx, subjectCycleComplete, summary)
}

// Stats reports delivery counters for the status surface.
func (p *NATSPublisher) Stats() PublishStats { return p.stats() }

func (p *NATSPublisher) publish(ctx context.Context, suffix string, payload any) {
	subject := p.prefix + "." + suffix

	data, err := json.Marshal(payload)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("event marshal failed",
			logfields.Subject(subject),
			logfields.Error(err))
		return
	}

	// nats.Conn.Publish buffers locally and never blocks on the network, so
	// the context is only honoured as an early-out.
	if ctx.Err() != nil {
		p.failed.Add(1)
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.failed.Add(1)
		p.logger.Warn("event publish failed",
			logfields.Subject(subject),
			logfields.Error(err))
		return
	}
	p.published.Add(1)
	p.logger.Debug("event published", logfields.Subject(subject))
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		_ = p.conn.Flush()
		p.conn.Close()
	}
	return nil
}
