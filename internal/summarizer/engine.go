// Package summarizer produces cached, rate-limited article summaries with a
// plain-text fallback when the backend fails.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lepinkainen/feed-digest/internal/llm"
	"github.com/lepinkainen/feed-digest/internal/metrics"
	"github.com/lepinkainen/feed-digest/pkg/cache"
	"github.com/lepinkainen/feed-digest/pkg/ratelimit"
	"github.com/lepinkainen/feed-digest/pkg/sanitize"
)

const (
	// RateLimitSubject is the limiter subject shared by all summarization calls
	RateLimitSubject = "summarize:global"
	// RateLimitPrefix namespaces the limiter counters
	RateLimitPrefix = "ratelimit:summarizer"

	// FallbackModel marks results built without the backend
	FallbackModel = "fallback"
	// NoSummary is the fallback text for content without any plain text
	NoSummary = "No summary available."

	fallbackChars     = 200
	successConfidence = 0.85
)

// Sentiment values
const (
	SentimentPositive = "POSITIVE"
	SentimentNegative = "NEGATIVE"
	SentimentNeutral  = "NEUTRAL"
)

// ErrRateLimited matches every *RateLimitedError
var ErrRateLimited = errors.New("rate limit exceeded for summarization")

// RateLimitedError is returned when the limiter rejects a cache miss
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%v, retry after %s", ErrRateLimited, e.RetryAfter)
}

// Is reports whether target is ErrRateLimited
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Config controls the engine
type Config struct {
	MaxRequests     int
	Window          time.Duration
	CacheTTL        time.Duration // 0 means summaries never expire
	MaxContentChars int
	MaxTokens       int
	Temperature     float64
	BatchSize       int
	BatchDelay      time.Duration
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxRequests:     100,
		Window:          time.Hour,
		MaxContentChars: 4000,
		MaxTokens:       500,
		Temperature:     0.3,
		BatchSize:       3,
		BatchDelay:      time.Second,
	}
}

// Request is a single article to summarize
type Request struct {
	Title   string
	Content string
}

// Result is a summary together with how it was produced
type Result struct {
	Content          string   `json:"content"`
	KeyPoints        []string `json:"keyPoints"`
	Sentiment        string   `json:"sentiment"`
	Categories       []string `json:"categories"`
	Confidence       float64  `json:"confidence"`
	Model            string   `json:"model"`
	Tokens           int      `json:"tokens"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	Cost             float64  `json:"cost"`
	Cached           bool     `json:"cached"`
	CacheKey         string   `json:"cacheKey,omitempty"`
}

// IsFallback reports whether the result was built without the backend
func (r *Result) IsFallback() bool {
	return r.Model == FallbackModel
}

// Engine summarizes articles through a capability, a cache and a limiter
type Engine struct {
	capability llm.Capability
	store      cache.Store
	limiter    *ratelimit.Limiter
	config     Config
	now        func() time.Time
}

// New creates an engine. Zero-valued config fields take their defaults,
// except CacheTTL where zero means no expiry.
func New(capability llm.Capability, store cache.Store, config Config) *Engine {
	defaults := DefaultConfig()
	if config.MaxContentChars <= 0 {
		config.MaxContentChars = defaults.MaxContentChars
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BatchDelay < 0 {
		config.BatchDelay = 0
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}

	return &Engine{
		capability: capability,
		store:      store,
		limiter:    ratelimit.New(store),
		config:     config,
		now:        time.Now,
	}
}

// CacheKey returns the cache key for content. Whitespace differences do not
// change the key and the title is not part of it.
func CacheKey(content string) string {
	return cache.Key("summary", normalize(content))
}

func normalize(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

// Summarize returns the cached summary for the request content or creates
// one. Backend failures, timeouts included, produce an uncached fallback
// result. A rejected rate limit check returns *RateLimitedError. Only a
// caller that cancels ctx gets context.Canceled instead of a fallback.
func (e *Engine) Summarize(ctx context.Context, req Request) (*Result, error) {
	start := e.now()
	key := CacheKey(req.Content)

	if cached, ok := e.lookup(ctx, key); ok {
		metrics.SummariesTotal.WithLabelValues("cache").Inc()
		slog.Debug("Summary cache hit", "key", key)
		return cached, nil
	}

	decision := e.limiter.Check(ctx, RateLimitSubject, ratelimit.Config{
		MaxRequests: e.config.MaxRequests,
		Window:      e.config.Window,
		KeyPrefix:   RateLimitPrefix,
	})
	metrics.RateLimitDecision(RateLimitSubject, decision.Allowed)
	if !decision.Allowed {
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	slog.Debug("Summarizer rate limit", "remaining", decision.Remaining)

	outcome := e.invoke(ctx, req)
	if err := ctx.Err(); errors.Is(err, context.Canceled) && !outcome.OK() {
		return nil, err
	}

	if !outcome.OK() {
		slog.Warn("Summarization failed, using fallback", "error", outcome.Err)
		metrics.SummariesTotal.WithLabelValues("fallback").Inc()
		result := fallback(req.Content, e.now().Sub(start))
		result.CacheKey = key
		return result, nil
	}

	out := outcome.Output
	cost := llm.Cost(out.Model, out.PromptTokens, out.CompletionTokens)
	result := &Result{
		Content:          out.Summary,
		KeyPoints:        nonNil(out.KeyPoints),
		Sentiment:        normalizeSentiment(out.Sentiment),
		Categories:       nonNil(out.Categories),
		Confidence:       successConfidence,
		Model:            out.Model,
		Tokens:           out.TotalTokens(),
		ProcessingTimeMs: e.now().Sub(start).Milliseconds(),
		Cost:             cost,
		CacheKey:         key,
	}

	metrics.SummariesTotal.WithLabelValues(e.capability.Name()).Inc()
	metrics.SummaryCostUSD.Add(cost)
	e.save(ctx, key, result)

	return result, nil
}

// Clear drops the cached summary of content
func (e *Engine) Clear(ctx context.Context, content string) error {
	key := CacheKey(content)
	if err := e.store.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to clear summary %s: %w", key, err)
	}
	slog.Info("Cleared cached summary", "key", key)
	return nil
}

// Outcome is the result of one backend call
type Outcome struct {
	Output *llm.Output
	Err    error
}

// OK reports whether the call produced a summary
func (o Outcome) OK() bool {
	return o.Err == nil && o.Output != nil
}

func (e *Engine) invoke(ctx context.Context, req Request) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Err: fmt.Errorf("summarizer panic: %v", r)}
		}
	}()

	out, err := e.capability.Summarize(ctx, llm.Input{
		Title:       req.Title,
		Content:     truncate(req.Content, e.config.MaxContentChars),
		MaxTokens:   e.config.MaxTokens,
		Temperature: e.config.Temperature,
	})
	if err == nil && out == nil {
		err = llm.ErrEmptyResponse
	}
	return Outcome{Output: out, Err: err}
}

func (e *Engine) lookup(ctx context.Context, key string) (*Result, bool) {
	data, ok, err := e.store.Get(ctx, key)
	metrics.CacheResult("summary", ok, err)
	if err != nil {
		slog.Warn("Summary cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		slog.Warn("Discarding unreadable cached summary", "key", key, "error", err)
		return nil, false
	}
	result.Cached = true
	result.CacheKey = key
	return &result, true
}

func (e *Engine) save(ctx context.Context, key string, result *Result) {
	data, err := json.Marshal(result)
	if err != nil {
		slog.Error("Failed to encode summary", "key", key, "error", err)
		return
	}
	if err := e.store.Set(ctx, key, data, e.config.CacheTTL); err != nil {
		slog.Warn("Failed to cache summary", "key", key, "error", err)
		return
	}
	slog.Debug("Cached summary", "key", key, "ttl", e.config.CacheTTL)
}

// truncate cuts content to max runes and appends an ellipsis
func truncate(content string, max int) string {
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "..."
}

func fallback(content string, elapsed time.Duration) *Result {
	text := normalize(sanitize.PlainText(content))
	summary := NoSummary
	if text != "" {
		runes := []rune(text)
		if len(runes) > fallbackChars {
			runes = runes[:fallbackChars]
		}
		summary = string(runes) + "..."
	}

	return &Result{
		Content:          summary,
		KeyPoints:        []string{},
		Sentiment:        SentimentNeutral,
		Categories:       []string{},
		Confidence:       0,
		Model:            FallbackModel,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

func normalizeSentiment(s string) string {
	switch upper := strings.ToUpper(strings.TrimSpace(s)); upper {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return upper
	default:
		return SentimentNeutral
	}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// EstimateCost gives a rough USD estimate for summarizing contentLength
// characters, assuming about 750 characters per 1000 tokens.
func EstimateCost(model string, contentLength int) float64 {
	tokens := ((contentLength + 749) / 750) * 1000
	return llm.Cost(model, tokens, 0)
}
