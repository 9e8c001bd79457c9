// Package fetcher downloads RSS and Atom feeds, normalizes their items and
// retries transient failures.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/lepinkainen/feed-digest/internal/metrics"
	httpclient "github.com/lepinkainen/feed-digest/pkg/http"
	"github.com/lepinkainen/feed-digest/pkg/retry"
	"github.com/lepinkainen/feed-digest/pkg/sanitize"
)

// maxFeedBytes bounds how much of a response body is parsed
const maxFeedBytes = 10 << 20

// Config controls fetching and retrying
type Config struct {
	UserAgent  string
	Timeout    time.Duration // per attempt
	MaxRetries int           // total attempts
	RetryDelay time.Duration // wait after attempt n is RetryDelay*n
}

// DefaultConfig returns the default fetcher configuration
func DefaultConfig() Config {
	return Config{
		UserAgent:  "feed-digest/1.0",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Fetcher fetches and parses feeds
type Fetcher struct {
	config Config
	client *httpclient.Client
	policy retry.Policy
}

// New creates a Fetcher. A MaxRetries below 1 is treated as 1.
func New(config Config) *Fetcher {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}

	clientConfig := httpclient.DefaultConfig()
	if config.UserAgent != "" {
		clientConfig.UserAgent = config.UserAgent
	}
	if config.Timeout > 0 {
		clientConfig.Timeout = config.Timeout
	}

	return &Fetcher{
		config: config,
		client: httpclient.NewClient(clientConfig),
		policy: retry.LinearPolicy(config.RetryDelay),
	}
}

// Budget is the longest Ingest can take when every attempt times out.
// It is zero when attempts have no timeout.
func (f *Fetcher) Budget() time.Duration {
	if f.config.Timeout <= 0 {
		return 0
	}
	budget := time.Duration(f.config.MaxRetries) * f.config.Timeout
	for attempt := 1; attempt < f.config.MaxRetries; attempt++ {
		budget += f.policy.Backoff(attempt)
	}
	return budget
}

// Ingest fetches url and returns the parsed feed. Network errors, non-2xx
// statuses and unparsable documents are retried; a document without a feed
// title fails immediately with ErrMalformedFeed.
func (f *Fetcher) Ingest(ctx context.Context, url string) (*ParsedFeed, error) {
	var lastErr error

	for attempt := 1; attempt <= f.config.MaxRetries; attempt++ {
		feed, err := f.fetchOnce(ctx, url)
		if err == nil {
			metrics.FeedFetchAttemptsTotal.WithLabelValues("success").Inc()
			if attempt > 1 {
				slog.Info("Feed fetch succeeded after retry", "url", url, "attempt", attempt)
			}
			return feed, nil
		}

		if errors.Is(err, ErrMalformedFeed) {
			metrics.FeedFetchAttemptsTotal.WithLabelValues("malformed").Inc()
			return nil, err
		}

		metrics.FeedFetchAttemptsTotal.WithLabelValues("error").Inc()
		lastErr = err

		if ctx.Err() != nil {
			return nil, &FetchError{URL: url, Attempts: attempt, Err: ctx.Err()}
		}

		if attempt < f.config.MaxRetries {
			backoff := f.policy.Backoff(attempt)
			slog.Warn("Feed fetch failed, retrying",
				"url", url,
				"attempt", attempt,
				"maxAttempts", f.config.MaxRetries,
				"backoff", backoff,
				"error", err)

			if sleepErr := retry.Sleep(ctx, backoff); sleepErr != nil {
				return nil, &FetchError{URL: url, Attempts: attempt, Err: sleepErr}
			}
		}
	}

	slog.Error("Feed fetch failed", "url", url, "attempts", f.config.MaxRetries, "error", lastErr)
	return nil, &FetchError{URL: url, Attempts: f.config.MaxRetries, Err: lastErr}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (*ParsedFeed, error) {
	attemptCtx := ctx
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	resp, err := f.client.GetWithContext(attemptCtx, url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if err := httpclient.EnsureSuccess(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	resp.Body = io.NopCloser(io.LimitReader(resp.Body, maxFeedBytes))
	body, err := httpclient.ReadResponseBody(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed body: %w", err)
	}

	return Parse(url, body)
}

// Parse converts a raw feed document into a ParsedFeed
func Parse(url string, body []byte) (*ParsedFeed, error) {
	feed, err := newParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	if strings.TrimSpace(feed.Title) == "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFeed, url)
	}

	parsed := &ParsedFeed{
		Meta:  buildMeta(url, feed),
		Items: make([]FeedItem, 0, len(feed.Items)),
	}
	for _, item := range feed.Items {
		parsed.Items = append(parsed.Items, buildItem(item))
	}

	slog.Debug("Parsed feed", "url", url, "title", parsed.Meta.Title, "items", len(parsed.Items))
	return parsed, nil
}

func buildMeta(url string, feed *gofeed.Feed) FeedMeta {
	meta := FeedMeta{
		URL:           url,
		Title:         strings.TrimSpace(feed.Title),
		Description:   sanitize.PlainText(feed.Description),
		Link:          feed.Link,
		Language:      feed.Language,
		Copyright:     feed.Copyright,
		PubDate:       feed.PublishedParsed,
		LastBuildDate: feed.UpdatedParsed,
		Categories:    feed.Categories,
		Generator:     feed.Generator,
	}

	if ttl, ok := feed.Custom[customTTL]; ok {
		if minutes, err := strconv.Atoi(strings.TrimSpace(ttl)); err == nil {
			meta.TTL = minutes
		}
	}

	if feed.Image != nil && feed.Image.URL != "" {
		meta.Image = &Image{URL: feed.Image.URL, Title: feed.Image.Title}
	}

	return meta
}

func buildItem(item *gofeed.Item) FeedItem {
	out := FeedItem{
		Title:       strings.TrimSpace(item.Title),
		Description: sanitize.Sanitize(item.Description),
		Content:     sanitize.Sanitize(item.Content),
		Link:        strings.TrimSpace(item.Link),
		Categories:  item.Categories,
		PubDate:     item.PublishedParsed,
	}

	if out.Title == "" {
		out.Title = "Untitled"
	}
	if out.PubDate == nil {
		out.PubDate = item.UpdatedParsed
	}

	if item.Author != nil {
		out.Author = item.Author.Name
		if out.Author == "" {
			out.Author = item.Author.Email
		}
	}

	if len(item.Enclosures) > 0 && item.Enclosures[0].URL != "" {
		enc := item.Enclosures[0]
		out.Enclosure = &Enclosure{URL: enc.URL, Type: enc.Type}
		if length, err := strconv.ParseInt(enc.Length, 10, 64); err == nil {
			out.Enclosure.Length = length
		}
	}

	if item.Custom != nil {
		out.Comments = item.Custom[customComments]
		if sourceURL := item.Custom[customSourceURL]; sourceURL != "" {
			out.Source = &Source{Title: item.Custom[customSourceTitle], URL: sourceURL}
		}
	}

	out.GUID = deriveGUID(strings.TrimSpace(item.GUID), out.Link, out.Title, out.PubDate)
	if out.Link == "" {
		out.Link = strings.TrimSpace(item.GUID)
	}

	return out
}

// deriveGUID picks the feed GUID, then the link, then title-pubDate
func deriveGUID(guid, link, title string, pubDate *time.Time) string {
	if guid != "" {
		return guid
	}
	if link != "" {
		return link
	}
	date := ""
	if pubDate != nil {
		date = pubDate.UTC().Format(time.RFC3339)
	}
	return title + "-" + date
}
