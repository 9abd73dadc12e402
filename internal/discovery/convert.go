package discovery

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
	"git.home.luguber.info/inful/prmonitor/internal/github"
	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// ParseRepoURL splits a repository URL into (owner, name), stripping a
// trailing ".git". Accepts https URLs of GitHub-style hosts.
func ParseRepoURL(rawURL string) (owner, name string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", ferrors.InvalidRepositoryURL("unparseable repository url").
			WithContext("url", rawURL).
			Build()
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ferrors.InvalidRepositoryURL("repository url missing owner/name").
			WithContext("url", rawURL).
			Build()
	}
	owner = parts[0]
	name = strings.TrimSuffix(parts[1], ".git")
	return owner, name, nil
}

// convertPR projects a wire pull request into the transient discovery shape.
// Returns a pr_conversion_error when the payload is structurally unusable.
func convertPR(pr github.PullRequest) (model.DiscoveredPR, error) {
	if pr.Number < 1 {
		return model.DiscoveredPR{}, ferrors.PRConversion("pull request number must be >= 1").
			WithContext("pr_number", pr.Number).
			Build()
	}
	if pr.Head.SHA == "" {
		return model.DiscoveredPR{}, ferrors.PRConversion("pull request missing head sha").
			WithContext("pr_number", pr.Number).
			Build()
	}

	state := model.PROpened
	if pr.State == "closed" {
		if pr.MergedAt != nil {
			state = model.PRMerged
		} else {
			state = model.PRClosed
		}
	}

	return model.DiscoveredPR{
		Number:     pr.Number,
		Title:      pr.Title,
		Author:     pr.User.Login,
		State:      state,
		Draft:      pr.Draft,
		BaseBranch: pr.Base.Ref,
		BaseSHA:    pr.Base.SHA,
		HeadBranch: pr.Head.Ref,
		HeadSHA:    pr.Head.SHA,
		URL:        pr.HTMLURL,
		CreatedAt:  pr.CreatedAt,
		UpdatedAt:  pr.UpdatedAt,
		Metadata: map[string]string{
			"github_id": strconv.FormatInt(pr.ID, 10),
		},
		CheckRuns: []model.DiscoveredCheckRun{},
	}, nil
}

// convertCheckRun projects a wire check run. Enforces the status/conclusion
// invariant: only completed runs carry a conclusion.
func convertCheckRun(run github.CheckRun) model.DiscoveredCheckRun {
	status := model.CheckStatus(run.Status)
	switch status {
	case model.CheckQueued, model.CheckInProgress, model.CheckCompleted, model.CheckCancelled:
	default:
		status = model.CheckQueued
	}

	conclusion := model.CheckConclusion("")
	if status == model.CheckCompleted && run.Conclusion != "" {
		conclusion = model.CheckConclusion(run.Conclusion)
	}

	metadata := map[string]string{}
	if run.Output.Title != "" {
		metadata["output_title"] = run.Output.Title
	}
	if run.Output.Summary != "" {
		metadata["output_summary"] = run.Output.Summary
	}

	return model.DiscoveredCheckRun{
		ExternalID:  fmt.Sprintf("%d", run.ID),
		Name:        run.Name,
		Status:      status,
		Conclusion:  conclusion,
		LogsURL:     run.HTMLURL,
		DetailsURL:  run.DetailsURL,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Metadata:    metadata,
	}
}
