package github

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// maxPages is a hard stop against runaway pagination on misbehaving remotes.
const maxPages = 50

// defaultPerPage is the page size used when callers do not override it.
const defaultPerPage = 100

// PullRequestListOptions parameterises a pull-request enumeration.
type PullRequestListOptions struct {
	// Since filters to PRs updated at or after this time.
	Since time.Time
	// PerPage is clamped to GitHub's 100 maximum.
	PerPage int
	// MaxPRs stops enumeration once this many PRs have been materialised.
	// Zero means unbounded (up to maxPages).
	MaxPRs int
	// ETag, when set, is sent as If-None-Match on the first page. A 304
	// short-circuits the whole enumeration.
	ETag string
}

// ListPullRequests enumerates a repository's pull requests, newest-updated
// first, across pages. On a 304 the returned slice is nil and the response is
// flagged NotModified; the caller reuses its cached snapshot.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo string, opts PullRequestListOptions) ([]PullRequest, *Response, error) {
	perPage := opts.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = defaultPerPage
	}

	var all []PullRequest
	total := &Response{}

	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("state", "all")
		q.Set("sort", "updated")
		q.Set("direction", "desc")
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))
		if !opts.Since.IsZero() {
			q.Set("since", opts.Since.UTC().Format(time.RFC3339))
		}
		endpoint := fmt.Sprintf("/repos/%s/%s/pulls?%s", owner, repo, q.Encode())

		// The conditional request only makes sense on the first page; the
		// ETag covers the listing as a whole.
		etag := ""
		if page == 1 {
			etag = opts.ETag
		}

		var prs []PullRequest
		resp, err := c.getJSON(ctx, endpoint, etag, &prs)
		if resp != nil {
			total.APICalls += resp.APICalls
			total.StatusCode = resp.StatusCode
			total.Rate = resp.Rate
			if page == 1 {
				total.ETag = resp.ETag
				total.NotModified = resp.NotModified
			}
		}
		if err != nil {
			return all, total, err
		}
		if resp.NotModified {
			return nil, total, nil
		}
		if len(prs) == 0 {
			break
		}

		all = append(all, prs...)
		if opts.MaxPRs > 0 && len(all) >= opts.MaxPRs {
			all = all[:opts.MaxPRs]
			break
		}
		if len(prs) < perPage {
			break
		}
	}
	return all, total, nil
}

// ListCheckRuns enumerates the check runs for one commit SHA.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, sha string, etag string) ([]CheckRun, *Response, error) {
	var all []CheckRun
	total := &Response{}

	for page := 1; page <= maxPages; page++ {
		endpoint := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs?per_page=%d&page=%d",
			owner, repo, sha, defaultPerPage, page)

		pageETag := ""
		if page == 1 {
			pageETag = etag
		}

		var list checkRunList
		resp, err := c.getJSON(ctx, endpoint, pageETag, &list)
		if resp != nil {
			total.APICalls += resp.APICalls
			total.StatusCode = resp.StatusCode
			total.Rate = resp.Rate
			if page == 1 {
				total.ETag = resp.ETag
				total.NotModified = resp.NotModified
			}
		}
		if err != nil {
			return all, total, err
		}
		if resp.NotModified {
			return nil, total, nil
		}
		if len(list.CheckRuns) == 0 {
			break
		}

		all = append(all, list.CheckRuns...)
		if len(all) >= list.TotalCount || len(list.CheckRuns) < defaultPerPage {
			break
		}
	}
	return all, total, nil
}
