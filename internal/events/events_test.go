package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// The interface must be satisfiable by all three implementations.
var (
	_ Publisher = NoopPublisher{}
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = (*RecordingPublisher)(nil)
)

func TestNoopPublisherIsInert(t *testing.T) {
	var p NoopPublisher
	ctx := context.Background()
	p.NewPR(ctx, uuid.New(), &model.DiscoveredPR{Number: 1})
	p.StateChange(ctx, model.StateChange{})
	p.FailedCheck(ctx, uuid.New(), 1, &model.DiscoveredCheckRun{})
	p.DiscoveryComplete(ctx, CycleSummary{})
	assert.NoError(t, p.Close())
}

func TestRecordingPublisherCaptures(t *testing.T) {
	var p RecordingPublisher
	ctx := context.Background()

	p.NewPR(ctx, uuid.New(), &model.DiscoveredPR{Number: 7})
	p.StateChange(ctx, model.StateChange{Kind: model.ChangeStateChanged})
	p.FailedCheck(ctx, uuid.New(), 7, &model.DiscoveredCheckRun{Name: "build"})
	p.DiscoveryComplete(ctx, CycleSummary{Repositories: 3})

	require.Len(t, p.NewPRs, 1)
	assert.Equal(t, 7, p.NewPRs[0].Number)
	require.Len(t, p.Changes, 1)
	require.Len(t, p.FailedChecks, 1)
	assert.Equal(t, "build", p.FailedChecks[0].Name)
	require.Len(t, p.Summaries, 1)
	assert.Equal(t, 3, p.Summaries[0].Repositories)
}

func TestNATSPublisherRequiresURL(t *testing.T) {
	_, err := NewNATSPublisher("", "prmonitor", nil)
	require.Error(t, err)
}
