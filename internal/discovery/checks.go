package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/prmonitor/internal/cache"
	"git.home.luguber.info/inful/prmonitor/internal/github"
	"git.home.luguber.info/inful/prmonitor/internal/logfields"
	"git.home.luguber.info/inful/prmonitor/internal/model"
)

// defaultCheckConcurrency caps concurrent check-run enumerations per
// repository.
const defaultCheckConcurrency = 5

// CheckDiscoverer enumerates check runs per commit SHA. PRs sharing a head
// SHA share one enumeration.
type CheckDiscoverer struct {
	client      *github.Client
	cache       *cache.TwoTier
	cacheTTL    time.Duration
	concurrency int
	useETag     bool
}

// NewCheckDiscoverer builds a check discoverer.
func NewCheckDiscoverer(client *github.Client, c *cache.TwoTier, cacheTTL time.Duration, useETag bool) *CheckDiscoverer {
	if cacheTTL <= 0 {
		cacheTTL = 300 * time.Second
	}
	return &CheckDiscoverer{
		client:      client,
		cache:       c,
		cacheTTL:    cacheTTL,
		concurrency: defaultCheckConcurrency,
		useETag:     useETag,
	}
}

func checksKey(owner, repo, sha string) string {
	return fmt.Sprintf("checks:%s:%s:%s", owner, repo, sha)
}

// shaResult is one SHA's enumeration outcome.
type shaResult struct {
	runs     []model.DiscoveredCheckRun
	apiCalls int
	cacheHit bool
	err      error
}

// AttachChecks resolves check runs for every discovered PR in the result,
// deduplicating by head SHA. A failure for one SHA leaves those PRs with an
// empty check list and records the error; other SHAs proceed.
func (d *CheckDiscoverer) AttachChecks(ctx context.Context, owner, repo string, result *model.DiscoveryResult) {
	prs := result.DiscoveredPRs
	if len(prs) == 0 {
		return
	}

	// One enumeration per unique head SHA.
	shas := make([]string, 0, len(prs))
	seen := make(map[string]struct{}, len(prs))
	for i := range prs {
		if _, ok := seen[prs[i].HeadSHA]; !ok {
			seen[prs[i].HeadSHA] = struct{}{}
			shas = append(shas, prs[i].HeadSHA)
		}
	}

	var mu sync.Mutex
	results := make(map[string]shaResult, len(shas))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, sha := range shas {
		g.Go(func() error {
			res := d.discoverSHA(gctx, owner, repo, sha)
			mu.Lock()
			results[sha] = res
			mu.Unlock()
			return nil // per-SHA failures are collected, not propagated
		})
	}
	_ = g.Wait()

	for sha, res := range results {
		result.APICallsUsed += res.apiCalls
		if res.cacheHit {
			result.CacheHits++
		} else if res.err == nil {
			result.CacheMisses++
		}
		if res.err != nil {
			result.AddError(res.err)
			slog.Debug("check run discovery failed",
				logfields.Repository(owner+"/"+repo),
				logfields.HeadSHA(sha),
				logfields.Error(res.err))
		}
	}

	for i := range prs {
		if res, ok := results[prs[i].HeadSHA]; ok && res.runs != nil {
			prs[i].CheckRuns = res.runs
		}
	}
}

// DiscoverForPR enumerates check runs for a single PR's head SHA.
func (d *CheckDiscoverer) DiscoverForPR(ctx context.Context, owner, repo string, pr *model.DiscoveredPR) ([]model.DiscoveredCheckRun, error) {
	res := d.discoverSHA(ctx, owner, repo, pr.HeadSHA)
	if res.err != nil {
		return nil, res.err
	}
	return res.runs, nil
}

func (d *CheckDiscoverer) discoverSHA(ctx context.Context, owner, repo, sha string) shaResult {
	key := checksKey(owner, repo, sha)

	var priorETag string
	var priorSnapshot []byte
	if d.useETag {
		if value, etag, ok := d.cache.GetWithETag(ctx, key); ok {
			priorETag = etag
			priorSnapshot = value
		}
	}

	runs, resp, err := d.client.ListCheckRuns(ctx, owner, repo, sha, priorETag)
	res := shaResult{}
	if resp != nil {
		res.apiCalls = resp.APICalls
	}
	if err != nil {
		res.err = err
		return res
	}

	if resp.NotModified {
		var cached []model.DiscoveredCheckRun
		if unmarshalCheckSnapshot(priorSnapshot, &cached) {
			res.runs = cached
			res.cacheHit = true
			return res
		}
		d.cache.Delete(ctx, key)
		// Fall through with an empty result rather than re-fetching inside
		// the same cycle; the next cycle sees a clean miss.
		res.runs = []model.DiscoveredCheckRun{}
		return res
	}

	converted := make([]model.DiscoveredCheckRun, 0, len(runs))
	for _, run := range runs {
		converted = append(converted, convertCheckRun(run))
	}
	res.runs = converted

	if d.useETag {
		etag := resp.ETag
		if etag == "" {
			etag = fmt.Sprintf("scan-%d", time.Now().Unix())
		}
		if data, err := marshalCheckSnapshot(converted); err == nil {
			d.cache.SetWithETag(ctx, key, data, etag, d.cacheTTL)
		}
	}
	return res
}
