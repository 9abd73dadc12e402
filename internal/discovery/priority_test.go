package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"git.home.luguber.info/inful/prmonitor/internal/model"
	"git.home.luguber.info/inful/prmonitor/internal/ratelimit"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestPriorityResolutionOrder(t *testing.T) {
	recent := timePtr(time.Now().Add(-time.Minute))

	tests := []struct {
		name string
		repo *model.Repository
		want ratelimit.Priority
	}{
		{
			"explicit override wins over everything",
			&model.Repository{
				ConfigOverride: map[string]string{"discovery_priority": "low"},
				FailureCount:   10,
			},
			ratelimit.PriorityLow,
		},
		{
			"failure streak above three is critical",
			&model.Repository{FailureCount: 4, LastPolledAt: recent},
			ratelimit.PriorityCritical,
		},
		{
			"failure streak above one is high",
			&model.Repository{FailureCount: 2, LastPolledAt: recent},
			ratelimit.PriorityHigh,
		},
		{
			"never polled is high",
			&model.Repository{},
			ratelimit.PriorityHigh,
		},
		{
			"stale beyond an hour is high",
			&model.Repository{LastPolledAt: timePtr(time.Now().Add(-2 * time.Hour))},
			ratelimit.PriorityHigh,
		},
		{
			"stale beyond thirty minutes is normal",
			&model.Repository{LastPolledAt: timePtr(time.Now().Add(-45 * time.Minute))},
			ratelimit.PriorityNormal,
		},
		{
			"tight polling interval is high",
			&model.Repository{LastPolledAt: recent, PollingInterval: 5 * time.Minute},
			ratelimit.PriorityHigh,
		},
		{
			"medium polling interval is normal",
			&model.Repository{LastPolledAt: recent, PollingInterval: 15 * time.Minute},
			ratelimit.PriorityNormal,
		},
		{
			"relaxed interval is low",
			&model.Repository{LastPolledAt: recent, PollingInterval: time.Hour},
			ratelimit.PriorityLow,
		},
		{
			"nil repository defaults to normal",
			nil,
			ratelimit.PriorityNormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Priority(tt.repo))
		})
	}
}

func TestPriorityUnknownOverrideFallsBack(t *testing.T) {
	repo := &model.Repository{
		ConfigOverride:  map[string]string{"discovery_priority": "urgent-ish"},
		LastPolledAt:    timePtr(time.Now().Add(-time.Minute)),
		PollingInterval: time.Hour,
	}
	assert.Equal(t, ratelimit.PriorityNormal, Priority(repo))
}
