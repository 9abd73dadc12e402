package discovery

import (
	"time"

	"git.home.luguber.info/inful/prmonitor/internal/model"
	"git.home.luguber.info/inful/prmonitor/internal/ratelimit"
)

// priorityOverrideKey is the per-repository config override that pins a
// scheduling priority regardless of the heuristics.
const priorityOverrideKey = "discovery_priority"

// Priority resolves a repository's scheduling priority. First match wins:
// explicit override, failure streaks, polling staleness, then interval class.
func Priority(repo *model.Repository) ratelimit.Priority {
	if repo == nil {
		return ratelimit.PriorityNormal
	}

	if override, ok := repo.ConfigOverride[priorityOverrideKey]; ok && override != "" {
		return ratelimit.ParsePriority(override)
	}

	switch {
	case repo.FailureCount > 3:
		return ratelimit.PriorityCritical
	case repo.FailureCount > 1:
		return ratelimit.PriorityHigh
	}

	if repo.LastPolledAt == nil {
		return ratelimit.PriorityHigh
	}
	sinceLastPoll := time.Since(*repo.LastPolledAt)
	switch {
	case sinceLastPoll > time.Hour:
		return ratelimit.PriorityHigh
	case sinceLastPoll > 30*time.Minute:
		return ratelimit.PriorityNormal
	}

	switch {
	case repo.PollingInterval > 0 && repo.PollingInterval <= 5*time.Minute:
		return ratelimit.PriorityHigh
	case repo.PollingInterval > 0 && repo.PollingInterval <= 15*time.Minute:
		return ratelimit.PriorityNormal
	}

	return ratelimit.PriorityLow
}
