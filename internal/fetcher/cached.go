package fetcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lepinkainen/feed-digest/internal/metrics"
	"github.com/lepinkainen/feed-digest/pkg/cache"
)

const (
	// DefaultCacheTTL is how long a fetched feed is served from cache
	DefaultCacheTTL = 30 * time.Minute
	// DefaultFetchBudget bounds a shared fetch when the wrapped Ingester
	// does not report its own budget
	DefaultFetchBudget = 2 * time.Minute
)

// Ingester is implemented by Fetcher and CachedFetcher
type Ingester interface {
	Ingest(ctx context.Context, url string) (*ParsedFeed, error)
}

// CachedFetcher serves feeds from the cache and collapses concurrent
// fetches of the same URL into one request.
type CachedFetcher struct {
	fetcher Ingester
	store   cache.Store
	ttl     time.Duration
	budget  time.Duration
	group   singleflight.Group
}

// NewCachedFetcher wraps fetcher with a cache-aside layer over store
func NewCachedFetcher(fetcher Ingester, store cache.Store, ttl time.Duration) *CachedFetcher {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	budget := DefaultFetchBudget
	if b, ok := fetcher.(interface{ Budget() time.Duration }); ok && b.Budget() > 0 {
		budget = b.Budget()
	}
	return &CachedFetcher{
		fetcher: fetcher,
		store:   store,
		ttl:     ttl,
		budget:  budget,
	}
}

// CacheKey returns the cache key used for url
func CacheKey(url string) string {
	return cache.Key("feed", url)
}

// Ingest returns the cached feed for url, fetching it on a miss. Cache
// errors are treated as a miss. A shared fetch does not depend on any one
// caller's ctx, so a cancelled caller returns early without failing the
// others.
func (c *CachedFetcher) Ingest(ctx context.Context, url string) (*ParsedFeed, error) {
	key := CacheKey(url)

	if feed, ok := c.lookup(ctx, key); ok {
		return feed, nil
	}

	results := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.budget)
		defer cancel()

		// another caller may have filled the cache while we waited
		if feed, ok := c.lookup(fetchCtx, key); ok {
			return feed, nil
		}

		feed, err := c.fetcher.Ingest(fetchCtx, url)
		if err != nil {
			return nil, err
		}
		c.save(fetchCtx, key, feed)
		return feed, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("Shared in-flight feed fetch", "url", url)
		}
		return res.Val.(*ParsedFeed), nil
	}
}

// Invalidate drops the cached copy of url
func (c *CachedFetcher) Invalidate(ctx context.Context, url string) error {
	return c.store.Del(ctx, CacheKey(url))
}

func (c *CachedFetcher) lookup(ctx context.Context, key string) (*ParsedFeed, bool) {
	data, found, err := c.store.Get(ctx, key)
	metrics.CacheResult("feed", found, err)
	if err != nil {
		slog.Warn("Feed cache read failed, fetching", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var feed ParsedFeed
	if err := json.Unmarshal(data, &feed); err != nil {
		slog.Warn("Discarding undecodable cached feed", "key", key, "error", err)
		return nil, false
	}
	return &feed, true
}

func (c *CachedFetcher) save(ctx context.Context, key string, feed *ParsedFeed) {
	data, err := json.Marshal(feed)
	if err != nil {
		slog.Warn("Failed to encode feed for cache", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		slog.Warn("Feed cache write failed", "key", key, "error", err)
	}
}
