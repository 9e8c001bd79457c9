package opengraph

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lepinkainen/feed-digest/pkg/cache"
	httputil "github.com/lepinkainen/feed-digest/pkg/http"
)

// ErrNotHTML is returned for responses that are not HTML pages
var ErrNotHTML = errors.New("not an HTML page")

// Config tunes a Fetcher
type Config struct {
	TTL         time.Duration
	FailureTTL  time.Duration
	Concurrency int
	// DomainDelay is the minimum gap between requests to one host
	DomainDelay time.Duration
}

// DefaultConfig returns the default fetcher settings
func DefaultConfig() Config {
	return Config{
		TTL:         DefaultTTL,
		FailureTTL:  FailureTTL,
		Concurrency: DefaultConcurrency,
		DomainDelay: time.Second,
	}
}

// Fetcher handles OpenGraph metadata fetching with rate limiting and caching
type Fetcher struct {
	client *httputil.Client
	store  cache.Store
	config Config

	semaphore chan struct{}
	group     singleflight.Group

	domainMutex sync.Mutex
	lastFetch   map[string]time.Time

	now func() time.Time
}

// NewFetcher creates a fetcher. store may be nil to disable caching; a nil
// client gets browser-like defaults.
func NewFetcher(client *httputil.Client, store cache.Store, config Config) *Fetcher {
	if client == nil {
		client = httputil.NewClient(&httputil.ClientConfig{
			Timeout:   10 * time.Second,
			UserAgent: "Mozilla/5.0 (compatible; feed-digest/1.0; OpenGraph fetcher)",
			Accept:    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			Headers: map[string]string{
				"Accept-Language": "en-US,en;q=0.5",
				"Accept-Encoding": "gzip",
			},
		})
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.FailureTTL <= 0 {
		config.FailureTTL = FailureTTL
	}
	if config.Concurrency < 1 {
		config.Concurrency = DefaultConcurrency
	}

	return &Fetcher{
		client:    client,
		store:     store,
		config:    config,
		semaphore: make(chan struct{}, config.Concurrency),
		lastFetch: make(map[string]time.Time),
		now:       time.Now,
	}
}

// FetchData returns the preview of targetURL. Blocked hosts and URLs that
// failed recently return nil without an error.
func (f *Fetcher) FetchData(ctx context.Context, targetURL string) (*Data, error) {
	if !isValidURL(targetURL) {
		return nil, fmt.Errorf("invalid URL format: %s", targetURL)
	}

	if isBlockedURL(targetURL) {
		slog.Debug("Skipping blocked URL", "url", targetURL)
		return nil, nil
	}

	key := cache.Key(cachePrefix, targetURL)
	if cached, ok := f.lookup(ctx, key); ok {
		if cached.Failed {
			slog.Debug("Skipping URL due to recent failure", "url", targetURL)
			return nil, nil
		}
		slog.Debug("Found cached OpenGraph data", "url", targetURL)
		return cached, nil
	}

	// concurrent callers for one URL share a single request
	v, err, _ := f.group.Do(targetURL, func() (any, error) {
		data, err := f.fetchFreshData(ctx, targetURL)
		if err != nil {
			slog.Debug("Failed to fetch OpenGraph data", "url", targetURL, "error", err)
			if ctx.Err() == nil {
				f.save(ctx, key, &Data{URL: targetURL, FetchedAt: f.now(), Failed: true}, f.config.FailureTTL)
			}
			return nil, err
		}
		f.save(ctx, key, data, f.config.TTL)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Data), nil
}

func (f *Fetcher) lookup(ctx context.Context, key string) (*Data, bool) {
	if f.store == nil {
		return nil, false
	}
	raw, ok, err := f.store.Get(ctx, key)
	if err != nil {
		slog.Warn("Error reading from cache", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Warn("Discarding corrupt OpenGraph cache entry", "key", key, "error", err)
		return nil, false
	}
	return &data, true
}

func (f *Fetcher) save(ctx context.Context, key string, data *Data, ttl time.Duration) {
	if f.store == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := f.store.Set(ctx, key, raw, ttl); err != nil {
		slog.Warn("Failed to cache OpenGraph data", "url", data.URL, "error", err)
	}
}

// fetchFreshData fetches fresh OpenGraph data from a URL
func (f *Fetcher) fetchFreshData(ctx context.Context, targetURL string) (*Data, error) {
	select {
	case f.semaphore <- struct{}{}:
		defer func() { <-f.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if err := f.waitForDomain(ctx, parsedURL.Host); err != nil {
		return nil, err
	}

	slog.Debug("Fetching OpenGraph data", "url", targetURL)

	resp, err := f.client.GetWithContext(ctx, targetURL)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := httputil.EnsureSuccess(resp); err != nil {
		return nil, err
	}

	contentType := httputil.GetContentType(resp)
	lower := strings.ToLower(contentType)
	if !strings.Contains(lower, "text/html") && !strings.Contains(lower, "application/xhtml") {
		return nil, fmt.Errorf("%w: %s", ErrNotHTML, contentType)
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	data, err := Parse(targetURL, body, contentType)
	if err != nil {
		return nil, err
	}
	data.FetchedAt = f.now()

	slog.Debug("Extracted OpenGraph data", "url", targetURL, "title", data.Title, "hasDescription", data.Description != "")
	return data, nil
}

// waitForDomain spaces requests to one host by DomainDelay
func (f *Fetcher) waitForDomain(ctx context.Context, domain string) error {
	if f.config.DomainDelay <= 0 {
		return nil
	}

	f.domainMutex.Lock()
	var wait time.Duration
	now := f.now()
	if last, ok := f.lastFetch[domain]; ok {
		if since := now.Sub(last); since < f.config.DomainDelay {
			wait = f.config.DomainDelay - since
		}
	}
	f.lastFetch[domain] = now.Add(wait)
	f.domainMutex.Unlock()

	if wait == 0 {
		return nil
	}
	slog.Debug("Rate limiting domain", "domain", domain, "sleep", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Parse extracts OpenGraph data from an HTML document, converting it to
// UTF-8 according to contentType and the document's meta tags
func Parse(pageURL string, body []byte, contentType string) (*Data, error) {
	utf8Reader, err := charset.NewReader(strings.NewReader(string(body)), contentType)
	if err != nil {
		slog.Warn("Failed to detect charset, assuming UTF-8", "error", err)
		utf8Reader = strings.NewReader(string(body))
	}

	doc, err := html.Parse(utf8Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	data := &Data{URL: pageURL}
	extractOpenGraphTags(doc, data)
	if data.Description == "" {
		data.Description = firstParagraph(doc)
	}
	if data.SiteName == "" {
		if u, err := url.Parse(pageURL); err == nil {
			data.SiteName = u.Host
		}
	}
	cleanupData(data)
	return data, nil
}

// extractOpenGraphTags recursively extracts OpenGraph meta tags from HTML
func extractOpenGraphTags(n *html.Node, data *Data) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "meta":
			processMetaTag(n, data)
		case "title":
			if data.Title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				data.Title = strings.TrimSpace(n.FirstChild.Data)
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractOpenGraphTags(c, data)
	}
}

func processMetaTag(n *html.Node, data *Data) {
	var property, content, name string
	for _, attr := range n.Attr {
		switch attr.Key {
		case "property":
			property = attr.Val
		case "content":
			content = attr.Val
		case "name":
			name = attr.Val
		}
	}

	// og: properties win over the generic fallbacks below
	switch property {
	case "og:title":
		data.Title = content
	case "og:description":
		data.Description = content
	case "og:image":
		data.Image = content
	case "og:site_name":
		data.SiteName = content
	}

	switch name {
	case "description", "twitter:description":
		if data.Description == "" {
			data.Description = content
		}
	case "twitter:image":
		if data.Image == "" {
			data.Image = content
		}
	case "twitter:title":
		if data.Title == "" {
			data.Title = content
		}
	}
}

// firstParagraph returns the text of the first <p> longer than 20 bytes
func firstParagraph(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "p" {
		var text strings.Builder
		var collect func(*html.Node)
		collect = func(node *html.Node) {
			if node.Type == html.TextNode {
				text.WriteString(node.Data)
			}
			for c := node.FirstChild; c != nil; c = c.NextSibling {
				collect(c)
			}
		}
		collect(n)

		if result := strings.TrimSpace(text.String()); len(result) > 20 {
			return result
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if result := firstParagraph(c); result != "" {
			return result
		}
	}
	return ""
}

func cleanupData(data *Data) {
	data.Title = strings.TrimSpace(strings.ReplaceAll(data.Title, "\x00", ""))
	data.Description = strings.TrimSpace(strings.ReplaceAll(data.Description, "\x00", ""))
	data.SiteName = strings.TrimSpace(strings.ReplaceAll(data.SiteName, "\x00", ""))

	if runes := []rune(data.Description); len(runes) > 500 {
		data.Description = string(runes[:497]) + "..."
	}
	if runes := []rune(data.Title); len(runes) > 200 {
		data.Title = string(runes[:197]) + "..."
	}

	if data.Image != "" && !isValidURL(data.Image) {
		slog.Debug("Invalid image URL found, clearing", "url", data.Image)
		data.Image = ""
	}
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

var blockedDomains = []string{
	"x.com",
	"twitter.com",
	"facebook.com",
	"instagram.com",
	"linkedin.com",
	"reddit.com",
	"redd.it",
}

// isBlockedURL reports hosts that refuse anonymous page fetches
func isBlockedURL(targetURL string) bool {
	u, err := url.Parse(targetURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range blockedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// FetchConcurrent fetches previews for urls, at most Concurrency at a time.
// Failed and empty results are left out of the map.
func (f *Fetcher) FetchConcurrent(ctx context.Context, urls []string) map[string]*Data {
	var (
		mu      sync.Mutex
		results = make(map[string]*Data, len(urls))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.Concurrency)
	for _, targetURL := range urls {
		if targetURL == "" {
			continue
		}
		g.Go(func() error {
			data, err := f.FetchData(ctx, targetURL)
			if err != nil || data == nil {
				return nil
			}
			mu.Lock()
			results[targetURL] = data
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slog.Debug("Completed concurrent OpenGraph fetch", "urls", len(urls), "successful", len(results))
	return results
}
