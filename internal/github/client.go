// Package github is a minimal GitHub REST client for the discovery engine: it
// reads pull requests, check runs, and rate limits, and never writes to the
// remote. Conditional requests and rate-limit header capture are first-class
// because the engine lives or dies by its API budget.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
	"git.home.luguber.info/inful/prmonitor/internal/retry"
)

const apiVersion = "2022-11-28"

// RateInfo carries the X-RateLimit-* headers of one response.
type RateInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Response is the per-request metadata callers need beyond the decoded body.
type Response struct {
	StatusCode  int
	ETag        string
	NotModified bool
	Rate        *RateInfo // nil when the headers were absent
	APICalls    int       // requests actually issued (pagination included)
}

// RateObserver receives authoritative limit values seen in response headers.
type RateObserver func(info RateInfo)

// Client talks to a GitHub-compatible API with token auth.
type Client struct {
	httpClient *http.Client
	apiURL     string
	token      string
	retry      retry.Policy

	// onRate, when set, is invoked for every response that carried
	// rate-limit headers. The orchestrator wires this to the limiter.
	onRate RateObserver
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRateObserver registers a callback for observed rate-limit headers.
func WithRateObserver(fn RateObserver) Option {
	return func(c *Client) { c.onRate = fn }
}

// WithRetryPolicy overrides the transient-failure backoff policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient builds a client. Token authentication is required; the engine has
// no anonymous mode because unauthenticated quotas are useless at fleet scale.
func NewClient(apiURL, token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github client requires token authentication")
	}
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     apiURL,
		token:      token,
		retry:      retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) newRequest(ctx context.Context, endpoint, etag string) (*http.Request, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	u.Path = path.Join(u.Path, parsed.Path)
	u.RawQuery = parsed.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", "pr-monitor/1.0")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	return req, nil
}

// getJSON issues a GET, retrying connection errors and 5xx responses per the
// retry policy. A 304 leaves result untouched and flags the response; error
// statuses map into the engine's error taxonomy.
func (c *Client) getJSON(ctx context.Context, endpoint, etag string, result any) (*Response, error) {
	var (
		out     *Response
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, endpoint, etag, result)
		if resp != nil {
			resp.APICalls = attempt + 1
		}
		if err == nil {
			return resp, nil
		}
		out, lastErr = resp, err
		if attempt >= c.retry.MaxRetries || !transient(resp) {
			return out, lastErr
		}
		select {
		case <-ctx.Done():
			return out, lastErr
		case <-time.After(c.retry.Delay(attempt + 1)):
		}
	}
}

// transient reports whether the failed attempt is worth retrying: connection
// failures and server-side errors, never auth or client errors.
func transient(resp *Response) bool {
	return resp != nil && (resp.StatusCode == 0 || resp.StatusCode >= 500)
}

func (c *Client) doOnce(ctx context.Context, endpoint, etag string, result any) (*Response, error) {
	req, err := c.newRequest(ctx, endpoint, etag)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindGitHubAPI, "build request").Build()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Response{}, ferrors.Wrap(err, ferrors.KindGitHubAPI, "request failed").
			WithContext("endpoint", endpoint).
			Build()
	}
	defer resp.Body.Close()

	out := &Response{
		StatusCode: resp.StatusCode,
		ETag:       resp.Header.Get("ETag"),
		Rate:       parseRateHeaders(resp.Header),
		APICalls:   1,
	}
	if out.Rate != nil && c.onRate != nil {
		c.onRate(*out.Rate)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		out.NotModified = true
		return out, nil
	case resp.StatusCode == http.StatusOK:
		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return out, ferrors.Wrap(err, ferrors.KindGitHubAPI, "decode response").
					WithContext("endpoint", endpoint).
					Build()
			}
		}
		return out, nil
	default:
		return out, c.statusError(resp, endpoint, out.Rate)
	}
}

// statusError maps an HTTP error status to a classified error.
func (c *Client) statusError(resp *http.Response, endpoint string, rate *RateInfo) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ferrors.RepositoryNotFound("repository not found").
			WithContext("endpoint", endpoint).
			Build()
	case http.StatusUnauthorized:
		return ferrors.Authentication("authentication failed").
			WithContext("status_code", resp.StatusCode).
			Build()
	case http.StatusForbidden, http.StatusTooManyRequests:
		// A 403 with an exhausted quota is a rate limit, not an auth failure.
		if resp.StatusCode == http.StatusTooManyRequests || (rate != nil && rate.Remaining == 0) {
			b := ferrors.RateLimitExceeded("rate limit exceeded").
				WithContext("endpoint", endpoint)
			if rate != nil {
				b = b.WithContext("reset_time", rate.Reset).
					WithContext("remaining", rate.Remaining)
			}
			return b.Build()
		}
		return ferrors.Authentication("access forbidden").
			WithContext("status_code", resp.StatusCode).
			Build()
	default:
		return ferrors.GitHubAPI(fmt.Sprintf("unexpected status %s", resp.Status)).
			WithContext("status_code", resp.StatusCode).
			WithContext("endpoint", endpoint).
			WithContext("body", string(body)).
			Build()
	}
}

func parseRateHeaders(h http.Header) *RateInfo {
	limitStr := h.Get("X-RateLimit-Limit")
	if limitStr == "" {
		return nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return nil
	}
	remaining, _ := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	info := &RateInfo{Limit: limit, Remaining: remaining}
	if resetStr := h.Get("X-RateLimit-Reset"); resetStr != "" {
		if epoch, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			info.Reset = time.Unix(epoch, 0)
		}
	}
	return info
}

// GetRateLimit fetches the authoritative quota snapshot.
func (c *Client) GetRateLimit(ctx context.Context) (*RateLimits, error) {
	var limits RateLimits
	if _, err := c.getJSON(ctx, "/rate_limit", "", &limits); err != nil {
		return nil, err
	}
	return &limits, nil
}
