// Package detector diffs a discovered repository snapshot against the stored
// state and emits change events. Detection is pure: no I/O, no clock beyond
// stamping events.
package detector

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// comprehensiveScanThreshold guards the deletion heuristic: a discovery that
// yielded at least this many PRs is assumed to be filtered or paginated, so
// absences are not treated as deletions.
const comprehensiveScanThreshold = 100

// changeTypeKey is the metadata key distinguishing PR update flavours.
const changeTypeKey = "change_type"

const (
	changeHeadSHAUpdated  = "head_sha_updated"
	changeMetadataUpdated = "metadata_updated"
)

// runningState is the synthetic state of a check run without a conclusion.
const runningState = "running"

// deletedState is the synthetic new-state for entities that vanished.
const deletedState = "deleted"

// Detect diffs discovered vs stored and returns only the significant changes.
func Detect(discovered *model.DiscoveryResult, stored *model.RepositoryState) []model.StateChange {
	all := DetectAll(discovered, stored)
	significant := make([]model.StateChange, 0, len(all))
	for _, change := range all {
		if Significant(change) {
			significant = append(significant, change)
		}
	}
	return significant
}

// DetectAll diffs discovered vs stored without the significance filter.
// At most one PR-level event is emitted per PR number; the rules are mutually
// exclusive in order: created, state change, head-sha update, metadata update.
func DetectAll(discovered *model.DiscoveryResult, stored *model.RepositoryState) []model.StateChange {
	now := time.Now().UTC()
	var changes []model.StateChange

	storedPRs := map[int]model.StoredPRState{}
	if stored != nil {
		storedPRs = stored.PRs
	}

	seen := make(map[int]struct{}, len(discovered.DiscoveredPRs))
	for i := range discovered.DiscoveredPRs {
		pr := &discovered.DiscoveredPRs[i]
		seen[pr.Number] = struct{}{}

		prior, exists := storedPRs[pr.Number]
		switch {
		case !exists:
			changes = append(changes, model.StateChange{
				Entity:     model.EntityPullRequest,
				EntityID:   uuid.Nil, // resolved by the synchronizer after insert
				ExternalID: prNumberKey(pr.Number),
				NewState:   string(pr.State),
				Kind:       model.ChangeCreated,
				Metadata:   map[string]string{"pr_number": prNumberKey(pr.Number)},
				DetectedAt: now,
			})
		case pr.State != prior.State:
			changes = append(changes, model.StateChange{
				Entity:     model.EntityPullRequest,
				EntityID:   prior.ID,
				ExternalID: prNumberKey(pr.Number),
				OldState:   string(prior.State),
				NewState:   string(pr.State),
				Kind:       model.ChangeStateChanged,
				Metadata:   map[string]string{"pr_number": prNumberKey(pr.Number)},
				DetectedAt: now,
			})
		case pr.HeadSHA != prior.HeadSHA:
			changes = append(changes, model.StateChange{
				Entity:     model.EntityPullRequest,
				EntityID:   prior.ID,
				ExternalID: prNumberKey(pr.Number),
				OldState:   prior.HeadSHA,
				NewState:   pr.HeadSHA,
				Kind:       model.ChangeUpdated,
				Metadata: map[string]string{
					"pr_number":   prNumberKey(pr.Number),
					changeTypeKey: changeHeadSHAUpdated,
				},
				DetectedAt: now,
			})
		case pr.UpdatedAt.After(prior.UpdatedAt):
			changes = append(changes, model.StateChange{
				Entity:     model.EntityPullRequest,
				EntityID:   prior.ID,
				ExternalID: prNumberKey(pr.Number),
				Kind:       model.ChangeUpdated,
				Metadata: map[string]string{
					"pr_number":   prNumberKey(pr.Number),
					changeTypeKey: changeMetadataUpdated,
				},
				DetectedAt: now,
			})
		}

		changes = append(changes, detectCheckChanges(pr, prior, exists, now)...)
	}

	// A stored PR absent from a comprehensive-looking discovery was deleted
	// remotely. Filtered listings omit untouched PRs and large discoveries
	// are assumed truncated; neither can witness a deletion.
	if !discovered.Filtered && len(discovered.DiscoveredPRs) < comprehensiveScanThreshold {
		for number, prior := range storedPRs {
			if _, ok := seen[number]; ok {
				continue
			}
			changes = append(changes, model.StateChange{
				Entity:     model.EntityPullRequest,
				EntityID:   prior.ID,
				ExternalID: prNumberKey(number),
				OldState:   string(prior.State),
				NewState:   deletedState,
				Kind:       model.ChangeDeleted,
				Metadata:   map[string]string{"pr_number": prNumberKey(number)},
				DetectedAt: now,
			})
		}
	}

	return changes
}

// detectCheckChanges compares a PR's discovered check runs against the stored
// name->conclusion map.
func detectCheckChanges(pr *model.DiscoveredPR, prior model.StoredPRState, prExists bool, now time.Time) []model.StateChange {
	var changes []model.StateChange

	storedChecks := map[string]model.CheckConclusion{}
	if prExists {
		storedChecks = prior.CheckRuns
	}

	seen := make(map[string]struct{}, len(pr.CheckRuns))
	for _, run := range pr.CheckRuns {
		seen[run.Name] = struct{}{}
		newState := checkState(run.Conclusion)

		priorConclusion, exists := storedChecks[run.Name]
		if !exists {
			changes = append(changes, model.StateChange{
				Entity:     model.EntityCheckRun,
				EntityID:   uuid.Nil,
				ExternalID: run.ExternalID,
				NewState:   newState,
				Kind:       model.ChangeCreated,
				Metadata:   checkMetadata(pr.Number, run.Name),
				DetectedAt: now,
			})
			continue
		}

		oldState := checkState(priorConclusion)
		if newState == oldState {
			continue
		}
		kind := model.ChangeUpdated
		if run.Conclusion.Terminal() {
			kind = model.ChangeStateChanged
		}
		changes = append(changes, model.StateChange{
			Entity:     model.EntityCheckRun,
			EntityID:   uuid.Nil, // resolved by external id during sync
			ExternalID: run.ExternalID,
			OldState:   oldState,
			NewState:   newState,
			Kind:       kind,
			Metadata:   checkMetadata(pr.Number, run.Name),
			DetectedAt: now,
		})
	}

	for name, conclusion := range storedChecks {
		if _, ok := seen[name]; ok {
			continue
		}
		changes = append(changes, model.StateChange{
			Entity:     model.EntityCheckRun,
			EntityID:   uuid.Nil,
			OldState:   checkState(conclusion),
			NewState:   deletedState,
			Kind:       model.ChangeDeleted,
			Metadata:   checkMetadata(pr.Number, name),
			DetectedAt: now,
		})
	}

	return changes
}

// Significant reports whether a change survives the significance filter:
// creations, deletions, PR state changes, head-sha updates, check state
// changes, and check failures. Metadata-only PR updates and non-terminal
// check updates are noise.
func Significant(change model.StateChange) bool {
	switch change.Kind {
	case model.ChangeCreated, model.ChangeDeleted:
		return true
	case model.ChangeStateChanged:
		return true
	case model.ChangeUpdated:
		if change.Entity == model.EntityPullRequest {
			return change.Metadata[changeTypeKey] == changeHeadSHAUpdated
		}
		return change.NewState == string(model.ConclusionFailure)
	}
	return false
}

func checkState(conclusion model.CheckConclusion) string {
	if conclusion == "" {
		return runningState
	}
	return string(conclusion)
}

func checkMetadata(prNumber int, checkName string) map[string]string {
	return map[string]string{
		"pr_number":  prNumberKey(prNumber),
		"check_name": checkName,
	}
}

func prNumberKey(n int) string {
	return strconv.Itoa(n)
}
