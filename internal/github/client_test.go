package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
	"git.home.luguber.info/inful/prmonitor/internal/retry"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "test-token", opts...)
	require.NoError(t, err)
	return c
}

func writePRs(w http.ResponseWriter, numbers ...int) {
	prs := make([]map[string]any, 0, len(numbers))
	for _, n := range numbers {
		prs = append(prs, map[string]any{
			"id":         int64(1000 + n),
			"number":     n,
			"title":      fmt.Sprintf("PR %d", n),
			"state":      "open",
			"user":       map[string]any{"login": "octocat"},
			"base":       map[string]any{"ref": "main", "sha": "base-sha"},
			"head":       map[string]any{"ref": "feature", "sha": fmt.Sprintf("sha-%d", n)},
			"html_url":   fmt.Sprintf("https://github.com/o/r/pull/%d", n),
			"created_at": time.Now().UTC().Format(time.RFC3339),
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
	_ = json.NewEncoder(w).Encode(prs)
}

func TestNewClientRequiresToken(t *testing.T) {
	_, err := NewClient("https://api.github.com", "")
	require.Error(t, err)
}

func TestListPullRequestsHeadersAndAuth(t *testing.T) {
	var gotAuth, gotAccept string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		assert.Equal(t, "updated", r.URL.Query().Get("sort"))
		assert.Equal(t, "desc", r.URL.Query().Get("direction"))
		writePRs(w, 1, 2)
	}))

	prs, resp, err := c.ListPullRequests(context.Background(), "o", "r", PullRequestListOptions{})
	require.NoError(t, err)
	assert.Len(t, prs, 2)
	assert.Equal(t, 1, resp.APICalls)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "application/vnd.github+json", gotAccept)
}

func TestListPullRequestsPagination(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		switch page {
		case 1:
			writePRs(w, 1, 2)
		case 2:
			writePRs(w, 3)
		default:
			writePRs(w)
		}
	}))

	prs, resp, err := c.ListPullRequests(context.Background(), "o", "r", PullRequestListOptions{PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, prs, 3)
	assert.Equal(t, 2, resp.APICalls, "short page ends enumeration")
}

func TestListPullRequestsMaxPRs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePRs(w, 1, 2) // always full pages
	}))

	prs, _, err := c.ListPullRequests(context.Background(), "o", "r", PullRequestListOptions{PerPage: 2, MaxPRs: 3})
	require.NoError(t, err)
	assert.Len(t, prs, 3)
}

func TestListPullRequestsNotModified(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, `"abc"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))

	prs, resp, err := c.ListPullRequests(context.Background(), "o", "r", PullRequestListOptions{ETag: `"abc"`})
	require.NoError(t, err)
	assert.Nil(t, prs)
	assert.True(t, resp.NotModified)
	assert.Equal(t, 1, resp.APICalls)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		kind    ferrors.ErrorKind
	}{
		{"not found", http.StatusNotFound, nil, ferrors.KindRepositoryNotFound},
		{"unauthorized", http.StatusUnauthorized, nil, ferrors.KindAuthentication},
		{"forbidden auth", http.StatusForbidden, map[string]string{
			"X-RateLimit-Limit": "5000", "X-RateLimit-Remaining": "42",
		}, ferrors.KindAuthentication},
		{"forbidden rate limited", http.StatusForbidden, map[string]string{
			"X-RateLimit-Limit": "5000", "X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset": strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
		}, ferrors.KindRateLimitExceeded},
		{"too many requests", http.StatusTooManyRequests, nil, ferrors.KindRateLimitExceeded},
		{"server error", http.StatusBadGateway, nil, ferrors.KindGitHubAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}), WithRetryPolicy(retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 0)))

			_, _, err := c.ListPullRequests(context.Background(), "o", "r", PullRequestListOptions{})
			require.Error(t, err)
			var classified *ferrors.ClassifiedError
			require.True(t, errors.As(err, &classified))
			assert.Equal(t, tt.kind, classified.Kind())
		})
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var hits int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writePRs(w, 1)
	}), WithRetryPolicy(retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 3)))

	prs, resp, err := c.ListPullRequests(context.Background(), "o", "r", PullRequestListOptions{})
	require.NoError(t, err)
	assert.Len(t, prs, 1)
	assert.Equal(t, 3, hits)
	assert.Equal(t, 3, resp.APICalls)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	}), WithRetryPolicy(retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 3)))

	_, _, err := c.ListPullRequests(context.Background(), "o", "r", PullRequestListOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, hits)
}

func TestRateObserver(t *testing.T) {
	var observed []RateInfo
	reset := time.Now().Add(30 * time.Minute).Unix()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4900")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		writePRs(w)
	}), WithRateObserver(func(info RateInfo) {
		observed = append(observed, info)
	}))

	_, _, err := c.ListPullRequests(context.Background(), "o", "r", PullRequestListOptions{})
	require.NoError(t, err)
	require.Len(t, observed, 1)
	assert.Equal(t, 5000, observed[0].Limit)
	assert.Equal(t, 4900, observed[0].Remaining)
	assert.Equal(t, reset, observed[0].Reset.Unix())
}

func TestListCheckRunsEnvelope(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/commits/abc123/check-runs")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_count": 2,
			"check_runs": []map[string]any{
				{"id": 1, "name": "build", "head_sha": "abc123", "status": "completed", "conclusion": "success"},
				{"id": 2, "name": "lint", "head_sha": "abc123", "status": "in_progress"},
			},
		})
	}))

	runs, resp, err := c.ListCheckRuns(context.Background(), "o", "r", "abc123", "")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "build", runs[0].Name)
	assert.Equal(t, "success", runs[0].Conclusion)
	assert.Empty(t, runs[1].Conclusion)
	assert.Equal(t, 1, resp.APICalls)
}

func TestGetRateLimit(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resources": map[string]any{
				"core":   map[string]any{"limit": 5000, "remaining": 4321, "reset": 1700000000, "used": 679},
				"search": map[string]any{"limit": 30, "remaining": 30, "reset": 1700000000},
			},
			"rate": map[string]any{"limit": 5000, "remaining": 4321, "reset": 1700000000},
		})
	}))

	limits, err := c.GetRateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4321, limits.Resources["core"].Remaining)
	assert.Equal(t, 30, limits.Resources["search"].Limit)
}
