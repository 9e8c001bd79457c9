package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lepinkainen/feed-digest/pkg/cache"
)

// failingStore reports every operation as unavailable
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, cache.ErrUnavailable
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return cache.ErrUnavailable
}
func (failingStore) Del(context.Context, string) error { return cache.ErrUnavailable }
func (failingStore) Exists(context.Context, string) (bool, error) {
	return false, cache.ErrUnavailable
}
func (failingStore) TTL(context.Context, string) (time.Duration, error) {
	return cache.Missing, cache.ErrUnavailable
}
func (failingStore) Close() error { return nil }

func newMemoryStore(t *testing.T) *cache.MemoryStore {
	t.Helper()
	store := cache.NewMemoryStore(cache.WithSweepInterval(0))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCachedFetcher_ServesFromCache(t *testing.T) {
	var calls int32
	server := serve(rssFixture(t), &calls)
	defer server.Close()

	store := newMemoryStore(t)
	cf := NewCachedFetcher(New(testConfig()), store, 0)
	ctx := context.Background()

	first, err := cf.Ingest(ctx, server.URL)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	second, err := cf.Ingest(ctx, server.URL)
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server received %d requests, want 1", got)
	}
	if first.Items[0].GUID != second.Items[0].GUID {
		t.Error("cached copy differs from fetched feed")
	}

	ttl, _ := store.TTL(ctx, CacheKey(server.URL))
	if ttl != DefaultCacheTTL {
		t.Errorf("cache TTL = %v, want %v", ttl, DefaultCacheTTL)
	}
}

func TestCachedFetcher_Invalidate(t *testing.T) {
	var calls int32
	server := serve(rssFixture(t), &calls)
	defer server.Close()

	cf := NewCachedFetcher(New(testConfig()), newMemoryStore(t), time.Minute)
	ctx := context.Background()

	if _, err := cf.Ingest(ctx, server.URL); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if err := cf.Invalidate(ctx, server.URL); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := cf.Ingest(ctx, server.URL); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("server received %d requests, want 2", got)
	}
}

func TestCachedFetcher_SingleFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	body := rssFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	cf := NewCachedFetcher(New(testConfig()), newMemoryStore(t), time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cf.Ingest(context.Background(), server.URL); err != nil {
				errs <- err
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Ingest() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server received %d requests, want 1", got)
	}
}

func TestCachedFetcher_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	body := rssFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	cf := NewCachedFetcher(New(testConfig()), newMemoryStore(t), time.Minute)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cf.Ingest(firstCtx, server.URL)
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := cf.Ingest(context.Background(), server.URL)
		secondErr <- err
	}()

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Ingest() error = %v, want %v", err, context.Canceled)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Errorf("Ingest() error = %v, want nil", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server received %d requests, want 1", got)
	}
}

func TestFetcherBudget(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   time.Duration
	}{
		{name: "no timeout", config: Config{MaxRetries: 3}, want: 0},
		{name: "single attempt", config: Config{Timeout: time.Second, MaxRetries: 1}, want: time.Second},
		{
			name:   "linear retries",
			config: Config{Timeout: time.Second, MaxRetries: 3, RetryDelay: 100 * time.Millisecond},
			want:   3*time.Second + 300*time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.config).Budget(); got != tt.want {
				t.Errorf("Budget() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCachedFetcher_CacheErrorsAreMisses(t *testing.T) {
	var calls int32
	server := serve(rssFixture(t), &calls)
	defer server.Close()

	cf := NewCachedFetcher(New(testConfig()), failingStore{}, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cf.Ingest(context.Background(), server.URL); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("server received %d requests, want 2", got)
	}
}

func TestCachedFetcher_ErrorsAreNotCached(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxRetries = 1
	store := newMemoryStore(t)
	cf := NewCachedFetcher(New(cfg), store, time.Minute)

	_, err := cf.Ingest(context.Background(), server.URL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("Ingest() error = %v, want ErrFetchFailed", err)
	}
	if store.Len() != 0 {
		t.Errorf("store has %d entries after failure, want 0", store.Len())
	}
}
