// Package discovery enumerates pull requests and check runs from the remote
// API, producing per-repository DiscoveryResults for the orchestrator.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/prmonitor/internal/cache"
	ferrors "git.home.luguber.info/inful/prmonitor/internal/foundation/errors"
	"git.home.luguber.info/inful/prmonitor/internal/github"
	"git.home.luguber.info/inful/prmonitor/internal/logfields"
	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// ScannerOptions tunes the repository scanner.
type ScannerOptions struct {
	CacheTTL       time.Duration
	UseETagCaching bool
	MaxPRs         int
	PerPage        int
}

// Scanner produces a DiscoveryResult for one repository: a paginated PR
// enumeration with conditional requests against the cached ETag.
type Scanner struct {
	client *github.Client
	cache  *cache.TwoTier
	checks *CheckDiscoverer
	opts   ScannerOptions
}

// NewScanner builds a scanner. checks may be nil when check-run discovery is
// handled separately.
func NewScanner(client *github.Client, c *cache.TwoTier, checks *CheckDiscoverer, opts ScannerOptions) *Scanner {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 300 * time.Second
	}
	if opts.PerPage <= 0 || opts.PerPage > 100 {
		opts.PerPage = 100
	}
	return &Scanner{client: client, cache: c, checks: checks, opts: opts}
}

func listingKey(owner, repo string) string {
	return fmt.Sprintf("prs:%s:%s:all", owner, repo)
}

// Discover enumerates the repository's pull requests and attaches check runs.
// It never returns an error: failures are collected into the result.
func (s *Scanner) Discover(ctx context.Context, repo *model.Repository, since time.Time) *model.DiscoveryResult {
	result := &model.DiscoveryResult{
		RepositoryID:  repo.ID,
		RepositoryURL: repo.URL,
		Filtered:      !since.IsZero(),
		StartedAt:     time.Now().UTC(),
	}
	defer func() {
		result.CompletedAt = time.Now().UTC()
		result.ProcessingTime = result.CompletedAt.Sub(result.StartedAt)
	}()

	owner, name, err := ParseRepoURL(repo.URL)
	if err != nil {
		result.AddError(err)
		return result
	}

	key := listingKey(owner, name)
	var priorETag string
	var priorSnapshot []byte
	if s.opts.UseETagCaching {
		if value, etag, ok := s.cache.GetWithETag(ctx, key); ok {
			priorETag = etag
			priorSnapshot = value
		}
	}

	prs, resp, err := s.client.ListPullRequests(ctx, owner, name, github.PullRequestListOptions{
		Since:   since,
		PerPage: s.opts.PerPage,
		MaxPRs:  s.opts.MaxPRs,
		ETag:    priorETag,
	})
	if resp != nil {
		result.APICallsUsed += resp.APICalls
	}
	if err != nil {
		result.AddError(err)
		return result
	}

	if resp.NotModified {
		// The whole listing is unchanged: reuse the cached snapshot.
		result.CacheHits++
		result.FromCache = true
		var cached []model.DiscoveredPR
		if unmarshalSnapshot(priorSnapshot, &cached) {
			result.DiscoveredPRs = cached
		} else {
			// Snapshot rotted underneath us; treat as a miss and refetch
			// without the conditional header.
			s.cache.Delete(ctx, key)
			result.AddError(ferrors.Unexpected("etag hit with unusable snapshot").
				WithContext("cache_key", key).
				Warning().
				Build())
		}
		slog.Debug("pull request listing unchanged",
			logfields.Repository(repo.URL),
			logfields.Count(len(result.DiscoveredPRs)))
		return result
	}
	result.CacheMisses++

	discovered := make([]model.DiscoveredPR, 0, len(prs))
	for _, pr := range prs {
		dpr, err := convertPR(pr)
		if err != nil {
			// A single bad payload does not sink the listing.
			result.AddError(err)
			continue
		}
		discovered = append(discovered, dpr)
	}
	result.DiscoveredPRs = discovered

	if s.checks != nil {
		s.checks.AttachChecks(ctx, owner, name, result)
	}

	// Only complete listings are cached; a filtered snapshot reused via a
	// later 304 would masquerade as the full PR set.
	if s.opts.UseETagCaching && !result.Filtered {
		etag := resp.ETag
		if etag == "" {
			etag = fmt.Sprintf("scan-%d", time.Now().Unix())
		}
		s.cacheListing(ctx, key, discovered, etag)
	}

	slog.Debug("pull request listing discovered",
		logfields.Repository(repo.URL),
		logfields.Count(len(discovered)),
		slog.Int("api_calls", result.APICallsUsed))
	return result
}

func (s *Scanner) cacheListing(ctx context.Context, key string, prs []model.DiscoveredPR, etag string) {
	data, err := marshalSnapshot(prs)
	if err != nil {
		slog.Debug("failed to marshal pr snapshot", logfields.Error(err))
		return
	}
	s.cache.SetWithETag(ctx, key, data, etag, s.opts.CacheTTL)
}
