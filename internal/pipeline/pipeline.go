// Package pipeline implements the job processors that connect feed
// fetching, persistence and summarization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lepinkainen/feed-digest/internal/fetcher"
	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/store"
	"github.com/lepinkainen/feed-digest/internal/summarizer"
	"github.com/lepinkainen/feed-digest/pkg/cache"
	"github.com/lepinkainen/feed-digest/pkg/opengraph"
)

// ErrFeedExists is returned by IngestFeed for a URL that is already
// subscribed. It is not a failure.
var ErrFeedExists = errors.New("feed already exists")

// FeedSource fetches feeds through the cache
type FeedSource interface {
	Ingest(ctx context.Context, url string) (*fetcher.ParsedFeed, error)
	Invalidate(ctx context.Context, url string) error
}

// Summarizer summarizes one article
type Summarizer interface {
	Summarize(ctx context.Context, req summarizer.Request) (*summarizer.Result, error)
}

// LinkPreviewer looks up the page behind an article link
type LinkPreviewer interface {
	FetchData(ctx context.Context, url string) (*opengraph.Data, error)
}

// Queue is the part of the job service the processors use
type Queue interface {
	AddJob(ctx context.Context, t jobs.Type, payload any, opts *jobs.Options) (*jobs.Job, error)
	CleanQueue(queue jobs.QueueName, grace time.Duration) (int, error)
}

// Config controls processor behaviour
type Config struct {
	AutoSummarize    bool
	ArticleRetention time.Duration // zero keeps articles forever
	CleanGrace       time.Duration
}

// DefaultConfig returns the default processor configuration
func DefaultConfig() Config {
	return Config{
		AutoSummarize:    true,
		ArticleRetention: 30 * 24 * time.Hour,
		CleanGrace:       24 * time.Hour,
	}
}

// Pipeline holds the collaborators of the job processors
type Pipeline struct {
	repo       store.Repository
	feeds      FeedSource
	summarizer Summarizer
	queue      Queue
	cache      cache.Store
	notifier   Notifier
	previews   LinkPreviewer
	config     Config
	now        func() time.Time
}

// Deps are the collaborators of a Pipeline. Cache, Notifier and Previews
// are optional.
type Deps struct {
	Repository store.Repository
	Feeds      FeedSource
	Summarizer Summarizer
	Queue      Queue
	Cache      cache.Store
	Notifier   Notifier
	Previews   LinkPreviewer
}

// New creates a pipeline
func New(deps Deps, config Config) *Pipeline {
	if config.CleanGrace <= 0 {
		config.CleanGrace = DefaultConfig().CleanGrace
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Pipeline{
		repo:       deps.Repository,
		feeds:      deps.Feeds,
		summarizer: deps.Summarizer,
		queue:      deps.Queue,
		cache:      deps.Cache,
		notifier:   notifier,
		previews:   deps.Previews,
		config:     config,
		now:        time.Now,
	}
}

// IngestResult reports what an ingestion stored
type IngestResult struct {
	FeedID        string `json:"feedId"`
	Title         string `json:"title"`
	ItemsIngested int    `json:"itemsIngested"`
	NewItems      int    `json:"newItems"`
	AlreadyKnown  bool   `json:"alreadyKnown"`
}

// IngestStatus names the outcome of IngestFeed for callers
func IngestStatus(err error) string {
	switch {
	case err == nil:
		return "ingested"
	case errors.Is(err, ErrFeedExists):
		return "already known"
	case errors.Is(err, fetcher.ErrMalformedFeed):
		return "malformed feed"
	case errors.Is(err, fetcher.ErrInvalidURL):
		return "invalid url"
	case errors.Is(err, fetcher.ErrFetchFailed):
		return "fetch failed"
	default:
		return "error"
	}
}

// IngestFeed subscribes to url and stores its items. A URL that is already
// subscribed returns the existing feed with ErrFeedExists.
func (p *Pipeline) IngestFeed(ctx context.Context, url, userID string) (*IngestResult, error) {
	if err := fetcher.ValidateURL(url); err != nil {
		return nil, err
	}

	existing, err := p.repo.GetFeedByURL(ctx, url)
	if err == nil {
		slog.Info("Feed already subscribed", "url", url, "feedId", existing.ID)
		return &IngestResult{FeedID: existing.ID, Title: existing.Title, AlreadyKnown: true}, ErrFeedExists
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	parsed, err := p.feeds.Ingest(ctx, url)
	if err != nil {
		return nil, err
	}

	feed := &store.Feed{
		URL:         url,
		Title:       parsed.Meta.Title,
		Description: parsed.Meta.Description,
		Link:        parsed.Meta.Link,
		Language:    parsed.Meta.Language,
		UserID:      userID,
	}
	if parsed.Meta.Image != nil {
		feed.ImageURL = parsed.Meta.Image.URL
	}
	if err := p.repo.CreateFeed(ctx, feed); err != nil {
		return nil, err
	}

	newIDs, err := p.storeItems(ctx, feed.ID, parsed.Items)
	if err != nil {
		return nil, err
	}

	slog.Info("Ingested feed", "url", url, "feedId", feed.ID, "items", len(parsed.Items), "new", len(newIDs))
	return &IngestResult{
		FeedID:        feed.ID,
		Title:         feed.Title,
		ItemsIngested: len(parsed.Items),
		NewItems:      len(newIDs),
	}, nil
}

// storeItems saves items, marks the feed fetched and queues summaries of
// the new articles
func (p *Pipeline) storeItems(ctx context.Context, feedID string, items []fetcher.FeedItem) ([]string, error) {
	articles := make([]store.Article, 0, len(items))
	for _, item := range items {
		articles = append(articles, toArticle(item))
	}

	newIDs, err := p.repo.CreateManyArticles(ctx, feedID, articles)
	if err != nil {
		return nil, err
	}
	if err := p.repo.MarkFeedFetched(ctx, feedID, p.now()); err != nil {
		return nil, err
	}

	if p.config.AutoSummarize && p.queue != nil {
		for _, id := range newIDs {
			if _, err := p.queue.AddJob(ctx, jobs.TypeSummarize, SummarizePayload{ArticleID: id}, nil); err != nil {
				slog.Warn("Failed to queue article summary", "articleId", id, "error", err)
			}
		}
	}
	return newIDs, nil
}

func toArticle(item fetcher.FeedItem) store.Article {
	return store.Article{
		GUID:        item.GUID,
		Title:       item.Title,
		Description: item.Description,
		Content:     item.Content,
		Link:        item.Link,
		Author:      item.Author,
		Categories:  item.Categories,
		PubDate:     item.PubDate,
	}
}

// RefreshResult summarizes one refresh run
type RefreshResult struct {
	Feeds    int `json:"feeds"`
	Failed   int `json:"failed"`
	NewItems int `json:"newItems"`
}

// RefreshFeeds re-fetches one feed, or every feed when feedID is empty,
// bypassing the feed cache. It fails only when every fetch failed.
func (p *Pipeline) RefreshFeeds(ctx context.Context, feedID string) (*RefreshResult, error) {
	var feeds []store.Feed
	if feedID != "" {
		feed, err := p.repo.GetFeedByID(ctx, feedID)
		if err != nil {
			return nil, err
		}
		feeds = []store.Feed{*feed}
	} else {
		var err error
		if feeds, err = p.repo.ListFeeds(ctx); err != nil {
			return nil, err
		}
	}

	result := &RefreshResult{Feeds: len(feeds)}
	var lastErr error
	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := p.feeds.Invalidate(ctx, feed.URL); err != nil {
			slog.Warn("Failed to invalidate cached feed", "url", feed.URL, "error", err)
		}

		parsed, err := p.feeds.Ingest(ctx, feed.URL)
		if err != nil {
			slog.Error("Failed to refresh feed", "url", feed.URL, "error", err)
			result.Failed++
			lastErr = err
			continue
		}

		newIDs, err := p.storeItems(ctx, feed.ID, parsed.Items)
		if err != nil {
			slog.Error("Failed to store refreshed feed", "url", feed.URL, "error", err)
			result.Failed++
			lastErr = err
			continue
		}
		result.NewItems += len(newIDs)
		slog.Debug("Refreshed feed", "url", feed.URL, "new", len(newIDs))
	}

	slog.Info("Feed refresh finished", "feeds", result.Feeds, "failed", result.Failed, "new", result.NewItems)
	if result.Feeds > 0 && result.Failed == result.Feeds {
		return result, fmt.Errorf("all %d feeds failed to refresh: %w", result.Failed, lastErr)
	}
	return result, nil
}

// SummarizeArticle stores a summary of articleID. An existing summary is
// kept unless force is set or it is a fallback. The returned bool reports
// whether a new summary was made.
func (p *Pipeline) SummarizeArticle(ctx context.Context, articleID string, force bool) (*store.Summary, bool, error) {
	article, err := p.repo.GetArticleByID(ctx, articleID)
	if err != nil {
		return nil, false, err
	}

	existing, err := p.repo.GetSummaryByArticleID(ctx, articleID)
	switch {
	case err == nil && !force && existing.Model != summarizer.FallbackModel:
		slog.Debug("Article already summarized", "articleId", articleID)
		return existing, false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, false, err
	}

	result, err := p.summarizer.Summarize(ctx, summarizer.Request{Title: article.Title, Content: p.articleBody(ctx, article)})
	if err != nil {
		return nil, false, err
	}

	summary := toSummary(articleID, result)
	if err := p.repo.CreateSummary(ctx, summary); err != nil {
		return nil, false, err
	}

	slog.Info("Summarized article", "articleId", articleID, "model", result.Model, "cached", result.Cached)
	return summary, true, nil
}

// CleanupResult counts what a cleanup removed
type CleanupResult struct {
	CacheEntries int   `json:"cacheEntries"`
	Jobs         int   `json:"jobs"`
	Articles     int64 `json:"articles"`
}

// Cleanup sweeps expired cache entries, cleans finished jobs from every
// queue and prunes old articles
func (p *Pipeline) Cleanup(ctx context.Context) (*CleanupResult, error) {
	result := &CleanupResult{}

	if sweeper, ok := p.cache.(cache.Sweeper); ok {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			slog.Warn("Cache sweep failed", "error", err)
		}
		result.CacheEntries = n
	}

	if p.queue != nil {
		for _, queue := range jobs.Queues() {
			n, err := p.queue.CleanQueue(queue, p.config.CleanGrace)
			if err != nil {
				return result, err
			}
			result.Jobs += n
		}
	}

	if p.config.ArticleRetention > 0 {
		n, err := p.repo.DeleteArticlesOlderThan(ctx, p.now().Add(-p.config.ArticleRetention))
		if err != nil {
			return result, err
		}
		result.Articles = n
	}

	slog.Info("Cleanup finished", "cacheEntries", result.CacheEntries, "jobs", result.Jobs, "articles", result.Articles)
	return result, nil
}

// BatchSummarizer is implemented by *summarizer.Engine
type BatchSummarizer interface {
	SummarizeBatch(ctx context.Context, articles []summarizer.Article) map[string]*summarizer.Result
}

// SummarizePending summarizes up to limit articles of feedID that have no
// summary yet, in engine batches when the summarizer supports them. It
// returns how many summaries were stored.
func (p *Pipeline) SummarizePending(ctx context.Context, feedID string, limit int) (int, error) {
	articles, err := p.repo.ListArticlesByFeed(ctx, feedID, limit)
	if err != nil {
		return 0, err
	}

	var pending []summarizer.Article
	for _, article := range articles {
		existing, err := p.repo.GetSummaryByArticleID(ctx, article.ID)
		if err == nil && existing.Model != summarizer.FallbackModel {
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		pending = append(pending, summarizer.Article{ID: article.ID, Title: article.Title, Content: p.articleBody(ctx, &article)})
	}

	batcher, ok := p.summarizer.(BatchSummarizer)
	if !ok {
		stored := 0
		for _, article := range pending {
			if _, _, err := p.SummarizeArticle(ctx, article.ID, true); err != nil {
				return stored, err
			}
			stored++
		}
		return stored, nil
	}

	results := batcher.SummarizeBatch(ctx, pending)
	stored := 0
	for _, article := range pending {
		result, ok := results[article.ID]
		if !ok {
			continue
		}
		if err := p.repo.CreateSummary(ctx, toSummary(article.ID, result)); err != nil {
			return stored, err
		}
		stored++
	}

	slog.Info("Summarized pending articles", "feedId", feedID, "pending", len(pending), "stored", stored)
	return stored, ctx.Err()
}

// articleBody returns the text to summarize, falling back to the link
// preview for items published without a body
func (p *Pipeline) articleBody(ctx context.Context, article *store.Article) string {
	body := article.Body()
	if strings.TrimSpace(body) != "" || p.previews == nil || article.Link == "" {
		return body
	}

	data, err := p.previews.FetchData(ctx, article.Link)
	if err != nil {
		slog.Debug("Link preview unavailable", "articleId", article.ID, "link", article.Link, "error", err)
		return body
	}
	if text := data.Text(); text != "" {
		slog.Debug("Using link preview as article body", "articleId", article.ID, "link", article.Link)
		return text
	}
	return body
}

func toSummary(articleID string, result *summarizer.Result) *store.Summary {
	return &store.Summary{
		ArticleID:        articleID,
		Content:          result.Content,
		KeyPoints:        result.KeyPoints,
		Sentiment:        result.Sentiment,
		Categories:       result.Categories,
		Confidence:       result.Confidence,
		Model:            result.Model,
		Tokens:           result.Tokens,
		ProcessingTimeMs: result.ProcessingTimeMs,
		Cost:             result.Cost,
	}
}
