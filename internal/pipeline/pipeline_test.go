package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/feeds"

	"github.com/lepinkainen/feed-digest/internal/fetcher"
	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/llm"
	"github.com/lepinkainen/feed-digest/internal/store"
	"github.com/lepinkainen/feed-digest/internal/summarizer"
	"github.com/lepinkainen/feed-digest/pkg/cache"
	"github.com/lepinkainen/feed-digest/pkg/database"
	"github.com/lepinkainen/feed-digest/pkg/opengraph"
)

type queuedJob struct {
	Type    jobs.Type
	Payload any
}

type fakeQueue struct {
	mu      sync.Mutex
	added   []queuedJob
	cleaned []jobs.QueueName
}

func (q *fakeQueue) AddJob(_ context.Context, t jobs.Type, payload any, _ *jobs.Options) (*jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.added = append(q.added, queuedJob{Type: t, Payload: payload})
	return &jobs.Job{ID: fmt.Sprintf("job-%d", len(q.added)), Type: t, Queue: t.Queue()}, nil
}

func (q *fakeQueue) CleanQueue(queue jobs.QueueName, _ time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleaned = append(q.cleaned, queue)
	return 1, nil
}

func (q *fakeQueue) summarizeJobs() []SummarizePayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []SummarizePayload
	for _, j := range q.added {
		if p, ok := j.Payload.(SummarizePayload); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeSummarizer struct {
	calls  atomic.Int32
	result *summarizer.Result
	err    error
}

func (f *fakeSummarizer) Summarize(_ context.Context, req summarizer.Request) (*summarizer.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &summarizer.Result{Content: "Summary of " + req.Title, Model: "test", Confidence: 0.85}, nil
}

type testEnv struct {
	pipeline *Pipeline
	repo     *store.SQLRepository
	queue    *fakeQueue
	summary  *fakeSummarizer
	cache    *cache.MemoryStore
	server   *httptest.Server
	hits     *atomic.Int32
	items    *atomic.Int32
	offset   atomic.Int64 // added to the cache clock
}

func feedXML(t *testing.T, items int) string {
	t.Helper()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f := &feeds.Feed{
		Title:       "Example Engineering",
		Link:        &feeds.Link{Href: "https://example.com"},
		Description: "Posts from the example team",
		Created:     created,
	}
	for i := 1; i <= items; i++ {
		f.Items = append(f.Items, &feeds.Item{
			Title:       fmt.Sprintf("Post %d", i),
			Link:        &feeds.Link{Href: fmt.Sprintf("https://example.com/%d", i)},
			Description: fmt.Sprintf("<p>Body of post %d.</p>", i),
			Id:          fmt.Sprintf("urn:example:%d", i),
			Created:     created.Add(time.Duration(i) * time.Hour),
		})
	}
	rss, err := f.ToRss()
	if err != nil {
		t.Fatalf("ToRss() error = %v", err)
	}
	return rss
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewDatabase(database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo, err := store.NewSQLRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewSQLRepository() error = %v", err)
	}

	env := &testEnv{
		repo:    repo,
		queue:   &fakeQueue{},
		summary: &fakeSummarizer{},
		hits:    &atomic.Int32{},
		items:   &atomic.Int32{},
	}
	env.cache = cache.NewMemoryStore(
		cache.WithSweepInterval(0),
		cache.WithClock(func() time.Time { return time.Now().Add(time.Duration(env.offset.Load())) }),
	)
	env.items.Store(2)
	t.Cleanup(func() { _ = env.cache.Close() })

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		switch r.URL.Path {
		case "/feed.xml":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(feedXML(t, int(env.items.Load()))))
		case "/broken.xml":
			_, _ = w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel></channel></rss>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(env.server.Close)

	f := fetcher.New(fetcher.Config{
		UserAgent:  "feed-digest-test/1.0",
		Timeout:    2 * time.Second,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})

	env.pipeline = New(Deps{
		Repository: repo,
		Feeds:      fetcher.NewCachedFetcher(f, env.cache, time.Minute),
		Summarizer: env.summary,
		Queue:      env.queue,
		Cache:      env.cache,
	}, DefaultConfig())
	return env
}

func (e *testEnv) url(path string) string {
	return e.server.URL + path
}

func TestIngestFeed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), "user-1")
	if err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}
	if result.Title != "Example Engineering" {
		t.Errorf("IngestFeed() title = %q, want %q", result.Title, "Example Engineering")
	}
	if result.ItemsIngested != 2 || result.NewItems != 2 {
		t.Errorf("IngestFeed() items = %d/%d, want 2/2", result.ItemsIngested, result.NewItems)
	}

	feed, err := env.repo.GetFeedByID(ctx, result.FeedID)
	if err != nil {
		t.Fatalf("GetFeedByID() error = %v", err)
	}
	if feed.UserID != "user-1" {
		t.Errorf("feed.UserID = %q, want %q", feed.UserID, "user-1")
	}
	if feed.LastFetched == nil || feed.FetchCount != 1 {
		t.Errorf("feed fetch state = %v/%d, want set/1", feed.LastFetched, feed.FetchCount)
	}

	if got := len(env.queue.summarizeJobs()); got != 2 {
		t.Errorf("queued summaries = %d, want 2", got)
	}
}

func TestIngestFeedAlreadyKnown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), "")
	if err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}

	second, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), "")
	if !errors.Is(err, ErrFeedExists) {
		t.Fatalf("IngestFeed() error = %v, want %v", err, ErrFeedExists)
	}
	if !second.AlreadyKnown || second.FeedID != first.FeedID {
		t.Errorf("IngestFeed() = %+v, want known feed %s", second, first.FeedID)
	}
	if got := env.hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestIngestFeedErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		url    string
		want   error
		status string
	}{
		{name: "invalid url", url: "ftp://example.com/feed", want: fetcher.ErrInvalidURL, status: "invalid url"},
		{name: "malformed feed", url: env.url("/broken.xml"), want: fetcher.ErrMalformedFeed, status: "malformed feed"},
		{name: "missing feed", url: env.url("/missing.xml"), want: fetcher.ErrFetchFailed, status: "fetch failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.pipeline.IngestFeed(context.Background(), tt.url, "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("IngestFeed() error = %v, want %v", err, tt.want)
			}
			if got := IngestStatus(err); got != tt.status {
				t.Errorf("IngestStatus() = %q, want %q", got, tt.status)
			}
		})
	}
}

func TestRefreshFeedsSkipsKnownItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ingested, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), "")
	if err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}

	result, err := env.pipeline.RefreshFeeds(ctx, ingested.FeedID)
	if err != nil {
		t.Fatalf("RefreshFeeds() error = %v", err)
	}
	if result.NewItems != 0 {
		t.Errorf("RefreshFeeds() new = %d, want 0", result.NewItems)
	}
	// refresh bypasses the feed cache
	if got := env.hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}

	env.items.Store(3)
	result, err = env.pipeline.RefreshFeeds(ctx, "")
	if err != nil {
		t.Fatalf("RefreshFeeds() error = %v", err)
	}
	if result.Feeds != 1 || result.NewItems != 1 {
		t.Errorf("RefreshFeeds() = %+v, want 1 feed with 1 new item", result)
	}
	if got := len(env.queue.summarizeJobs()); got != 3 {
		t.Errorf("queued summaries = %d, want 3", got)
	}

	feed, err := env.repo.GetFeedByID(ctx, ingested.FeedID)
	if err != nil {
		t.Fatalf("GetFeedByID() error = %v", err)
	}
	if feed.FetchCount != 3 {
		t.Errorf("feed.FetchCount = %d, want 3", feed.FetchCount)
	}
}

func TestRefreshFeedsAllFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	feed := &store.Feed{URL: env.url("/missing.xml"), Title: "Gone"}
	if err := env.repo.CreateFeed(ctx, feed); err != nil {
		t.Fatalf("CreateFeed() error = %v", err)
	}

	result, err := env.pipeline.RefreshFeeds(ctx, "")
	if !errors.Is(err, fetcher.ErrFetchFailed) {
		t.Fatalf("RefreshFeeds() error = %v, want %v", err, fetcher.ErrFetchFailed)
	}
	if result.Failed != 1 {
		t.Errorf("RefreshFeeds() failed = %d, want 1", result.Failed)
	}

	if _, err := env.pipeline.RefreshFeeds(ctx, "no-such-feed"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RefreshFeeds(unknown) error = %v, want %v", err, store.ErrNotFound)
	}
}

func TestRefreshFeedsPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), ""); err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}
	if err := env.repo.CreateFeed(ctx, &store.Feed{URL: env.url("/missing.xml")}); err != nil {
		t.Fatalf("CreateFeed() error = %v", err)
	}

	result, err := env.pipeline.RefreshFeeds(ctx, "")
	if err != nil {
		t.Fatalf("RefreshFeeds() error = %v, want nil", err)
	}
	if result.Feeds != 2 || result.Failed != 1 {
		t.Errorf("RefreshFeeds() = %+v, want 2 feeds with 1 failure", result)
	}
}

func ingestFirstArticle(t *testing.T, env *testEnv) string {
	t.Helper()
	if _, err := env.pipeline.IngestFeed(context.Background(), env.url("/feed.xml"), ""); err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}
	queued := env.queue.summarizeJobs()
	if len(queued) == 0 {
		t.Fatal("no summaries queued")
	}
	return queued[0].ArticleID
}

func TestSummarizeArticle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	articleID := ingestFirstArticle(t, env)

	summary, created, err := env.pipeline.SummarizeArticle(ctx, articleID, false)
	if err != nil {
		t.Fatalf("SummarizeArticle() error = %v", err)
	}
	if !created || summary.Content != "Summary of Post 1" {
		t.Errorf("SummarizeArticle() = %q, %v, want new summary of Post 1", summary.Content, created)
	}

	_, created, err = env.pipeline.SummarizeArticle(ctx, articleID, false)
	if err != nil {
		t.Fatalf("SummarizeArticle() second error = %v", err)
	}
	if created {
		t.Error("SummarizeArticle() replaced an existing summary without force")
	}
	if got := env.summary.calls.Load(); got != 1 {
		t.Errorf("summarizer calls = %d, want 1", got)
	}

	if _, created, _ = env.pipeline.SummarizeArticle(ctx, articleID, true); !created {
		t.Error("SummarizeArticle(force) did not create a summary")
	}
}

func TestSummarizeArticleReplacesFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	articleID := ingestFirstArticle(t, env)

	env.summary.result = &summarizer.Result{Content: "Body of post 1....", Model: summarizer.FallbackModel}
	if _, _, err := env.pipeline.SummarizeArticle(ctx, articleID, false); err != nil {
		t.Fatalf("SummarizeArticle() error = %v", err)
	}

	env.summary.result = nil
	summary, created, err := env.pipeline.SummarizeArticle(ctx, articleID, false)
	if err != nil {
		t.Fatalf("SummarizeArticle() error = %v", err)
	}
	if !created || summary.Model != "test" {
		t.Errorf("SummarizeArticle() = %s, %v, want fallback replaced", summary.Model, created)
	}
}

func TestSummarizeArticleWithEngine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	articleID := ingestFirstArticle(t, env)

	config := summarizer.DefaultConfig()
	config.MaxRequests = 1
	env.pipeline.summarizer = summarizer.New(llm.NewMock(), env.cache, config)

	summary, _, err := env.pipeline.SummarizeArticle(ctx, articleID, false)
	if err != nil {
		t.Fatalf("SummarizeArticle() error = %v", err)
	}
	if summary.Model != llm.MockModel {
		t.Errorf("summary.Model = %q, want %q", summary.Model, llm.MockModel)
	}

	second := env.queue.summarizeJobs()[1].ArticleID
	_, _, err = env.pipeline.SummarizeArticle(ctx, second, false)
	if !errors.Is(err, summarizer.ErrRateLimited) {
		t.Errorf("SummarizeArticle() error = %v, want %v", err, summarizer.ErrRateLimited)
	}
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), ""); err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}
	if err := env.cache.Set(ctx, "stale", []byte("x"), time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	env.offset.Store(int64(2 * time.Second))

	env.pipeline.now = func() time.Time { return time.Now().Add(60 * 24 * time.Hour) }
	result, err := env.pipeline.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.CacheEntries != 1 {
		t.Errorf("Cleanup() cache entries = %d, want 1", result.CacheEntries)
	}
	if result.Jobs != len(jobs.Queues()) {
		t.Errorf("Cleanup() jobs = %d, want %d", result.Jobs, len(jobs.Queues()))
	}
	if result.Articles != 2 {
		t.Errorf("Cleanup() articles = %d, want 2", result.Articles)
	}
}

func TestRefreshAfterCleanupSkipsPrunedItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ingested, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), "")
	if err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}

	env.pipeline.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	cleaned, err := env.pipeline.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if cleaned.Articles != 2 {
		t.Fatalf("Cleanup() articles = %d, want 2", cleaned.Articles)
	}

	result, err := env.pipeline.RefreshFeeds(ctx, ingested.FeedID)
	if err != nil {
		t.Fatalf("RefreshFeeds() error = %v", err)
	}
	if result.NewItems != 0 {
		t.Errorf("RefreshFeeds() new = %d, want 0", result.NewItems)
	}
	if got := len(env.queue.summarizeJobs()); got != 2 {
		t.Errorf("queued summaries = %d, want 2", got)
	}
}

func TestSummarizePending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.items.Store(4)
	ingested, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), "")
	if err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}

	config := summarizer.DefaultConfig()
	config.BatchSize = 3
	config.BatchDelay = time.Millisecond
	env.pipeline.summarizer = summarizer.New(llm.NewMock(), env.cache, config)

	stored, err := env.pipeline.SummarizePending(ctx, ingested.FeedID, 10)
	if err != nil {
		t.Fatalf("SummarizePending() error = %v", err)
	}
	if stored != 4 {
		t.Errorf("SummarizePending() = %d, want 4", stored)
	}

	stored, err = env.pipeline.SummarizePending(ctx, ingested.FeedID, 10)
	if err != nil {
		t.Fatalf("SummarizePending() second error = %v", err)
	}
	if stored != 0 {
		t.Errorf("SummarizePending() second = %d, want 0", stored)
	}
}

func TestSummarizePendingSequential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ingested, err := env.pipeline.IngestFeed(ctx, env.url("/feed.xml"), "")
	if err != nil {
		t.Fatalf("IngestFeed() error = %v", err)
	}

	stored, err := env.pipeline.SummarizePending(ctx, ingested.FeedID, 10)
	if err != nil {
		t.Fatalf("SummarizePending() error = %v", err)
	}
	if stored != 2 || env.summary.calls.Load() != 2 {
		t.Errorf("SummarizePending() = %d with %d calls, want 2 and 2", stored, env.summary.calls.Load())
	}
}

type fakePreviewer struct {
	data *opengraph.Data
	err  error
	urls []string
}

func (f *fakePreviewer) FetchData(_ context.Context, url string) (*opengraph.Data, error) {
	f.urls = append(f.urls, url)
	return f.data, f.err
}

type recordingSummarizer struct {
	contents []string
}

func (r *recordingSummarizer) Summarize(_ context.Context, req summarizer.Request) (*summarizer.Result, error) {
	r.contents = append(r.contents, req.Content)
	return &summarizer.Result{Content: "ok", Model: "test"}, nil
}

func TestSummarizeArticleUsesLinkPreview(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		body      string
		previewer *fakePreviewer
		want      string
		wantCalls int
	}{
		{
			name:      "empty body uses preview",
			previewer: &fakePreviewer{data: &opengraph.Data{Title: "Page", Description: "From the page"}},
			want:      "Page\n\nFrom the page",
			wantCalls: 1,
		},
		{
			name:      "body present skips preview",
			body:      "<p>Own body</p>",
			previewer: &fakePreviewer{data: &opengraph.Data{Description: "unused"}},
			want:      "<p>Own body</p>",
		},
		{
			name:      "preview failure keeps empty body",
			previewer: &fakePreviewer{err: errors.New("boom")},
			want:      "",
			wantCalls: 1,
		},
		{
			name:      "blocked link",
			previewer: &fakePreviewer{},
			want:      "",
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			feed := &store.Feed{URL: "https://example.com/feed.xml", Title: "Example"}
			if err := env.repo.CreateFeed(ctx, feed); err != nil {
				t.Fatalf("CreateFeed() error = %v", err)
			}
			ids, err := env.repo.CreateManyArticles(ctx, feed.ID, []store.Article{
				{GUID: "g1", Title: "Linked", Link: "https://example.com/linked", Description: tt.body},
			})
			if err != nil || len(ids) != 1 {
				t.Fatalf("CreateManyArticles() = %v, %v", ids, err)
			}

			rec := &recordingSummarizer{}
			env.pipeline.summarizer = rec
			env.pipeline.previews = tt.previewer

			if _, _, err := env.pipeline.SummarizeArticle(ctx, ids[0], false); err != nil {
				t.Fatalf("SummarizeArticle() error = %v", err)
			}
			if len(rec.contents) != 1 || rec.contents[0] != tt.want {
				t.Errorf("summarized content = %q, want %q", rec.contents, tt.want)
			}
			if got := len(tt.previewer.urls); got != tt.wantCalls {
				t.Errorf("preview lookups = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}
