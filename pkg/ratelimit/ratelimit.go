// Package ratelimit implements a fixed-window request counter on top of a
// cache.Store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lepinkainen/feed-digest/pkg/cache"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty
const DefaultKeyPrefix = "ratelimit"

// Config describes one fixed window
type Config struct {
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
}

// Result is the outcome of a single check
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // set only when not allowed
}

// Limiter counts requests per subject. Only the first request in a fresh
// window sets the window length; later requests never extend it.
type Limiter struct {
	store cache.Store
	now   func() time.Time
}

// New creates a Limiter over store. When store implements
// cache.Incrementer the count is updated atomically; otherwise a
// read-then-write path is used that may admit a few extra requests under
// concurrent checks.
func New(store cache.Store) *Limiter {
	return &Limiter{
		store: store,
		now:   time.Now,
	}
}

func (cfg Config) key(subject string) string {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + ":" + subject
}

// failOpen is the result used whenever the store cannot be consulted
func (l *Limiter) failOpen(cfg Config, subject string, err error) Result {
	slog.Warn("Rate limit check failed, allowing request", "subject", subject, "error", err)
	return Result{
		Allowed:   true,
		Remaining: max(cfg.MaxRequests-1, 0),
		ResetAt:   l.now().Add(cfg.Window),
	}
}

// Check counts one request for subject and reports whether it is allowed.
// A MaxRequests of zero or less disables limiting.
func (l *Limiter) Check(ctx context.Context, subject string, cfg Config) Result {
	if cfg.MaxRequests <= 0 {
		return Result{Allowed: true}
	}

	if inc, ok := l.store.(cache.Incrementer); ok {
		return l.checkAtomic(ctx, inc, subject, cfg)
	}
	return l.checkReadWrite(ctx, subject, cfg)
}

func (l *Limiter) checkAtomic(ctx context.Context, inc cache.Incrementer, subject string, cfg Config) Result {
	count, ttl, err := inc.Incr(ctx, cfg.key(subject), cfg.Window)
	if err != nil {
		return l.failOpen(cfg, subject, err)
	}

	now := l.now()
	resetAt := resetTime(now, ttl)

	// The over-limit request was counted too; it is reported as rejected so
	// a count beyond the maximum is never allowed.
	if count > int64(cfg.MaxRequests) {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter(ttl),
		}
	}

	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests - int(count),
		ResetAt:   resetAt,
	}
}

func (l *Limiter) checkReadWrite(ctx context.Context, subject string, cfg Config) Result {
	key := cfg.key(subject)
	now := l.now()

	count, resetAt, found, err := l.readWindow(ctx, key, now)
	if err != nil {
		return l.failOpen(cfg, subject, err)
	}

	if !found {
		resetAt = now.Add(cfg.Window)
		if err := l.store.Set(ctx, key, encodeWindow(1, resetAt), cfg.Window); err != nil {
			return l.failOpen(cfg, subject, err)
		}
		return Result{
			Allowed:   true,
			Remaining: cfg.MaxRequests - 1,
			ResetAt:   resetAt,
		}
	}

	if resetAt.IsZero() {
		// a counter without expiry gets a window from now on
		resetAt = now.Add(cfg.Window)
	}

	if count >= cfg.MaxRequests {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	// the window end travels with the value, so the rewrite cannot move it
	if err := l.store.Set(ctx, key, encodeWindow(count+1, resetAt), resetAt.Sub(now)); err != nil {
		return l.failOpen(cfg, subject, err)
	}

	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests - (count + 1),
		ResetAt:   resetAt,
	}
}

// readWindow loads the counter at key. found is false when the key is
// absent or its window has already ended.
func (l *Limiter) readWindow(ctx context.Context, key string, now time.Time) (count int, resetAt time.Time, found bool, err error) {
	value, found, err := l.store.Get(ctx, key)
	if err != nil || !found {
		return 0, time.Time{}, false, err
	}

	count, resetAt, err = decodeWindow(value)
	if err != nil {
		return 0, time.Time{}, false, err
	}

	// plain integers are written by Incr, which leaves the expiry to the store
	if resetAt.IsZero() {
		ttl, err := l.store.TTL(ctx, key)
		if err != nil {
			return 0, time.Time{}, false, err
		}
		if ttl == cache.Missing {
			return 0, time.Time{}, false, nil
		}
		resetAt = resetTime(now, ttl)
	}

	if !resetAt.IsZero() && !now.Before(resetAt) {
		return 0, time.Time{}, false, nil
	}
	return count, resetAt, true, nil
}

// encodeWindow stores a read-write counter as "count:windowEndUnixNano"
func encodeWindow(count int, resetAt time.Time) []byte {
	return []byte(strconv.Itoa(count) + ":" + strconv.FormatInt(resetAt.UnixNano(), 10))
}

// decodeWindow accepts both encodeWindow values and plain Incr counters.
// A plain counter yields a zero resetAt.
func decodeWindow(value []byte) (int, time.Time, error) {
	raw := string(value)
	countPart, endPart, hasEnd := strings.Cut(raw, ":")

	count, err := strconv.Atoi(countPart)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid counter value %q: %w", raw, err)
	}
	if !hasEnd {
		return count, time.Time{}, nil
	}

	end, err := strconv.ParseInt(endPart, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid counter value %q: %w", raw, err)
	}
	return count, time.Unix(0, end), nil
}

// Status reports the current window for subject without counting a request
func (l *Limiter) Status(ctx context.Context, subject string, cfg Config) (Result, error) {
	now := l.now()

	count, resetAt, found, err := l.readWindow(ctx, cfg.key(subject), now)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetAt: now.Add(cfg.Window)}, nil
	}

	res := Result{
		Allowed:   count < cfg.MaxRequests,
		Remaining: max(cfg.MaxRequests-count, 0),
		ResetAt:   resetAt,
	}
	if !res.Allowed && !resetAt.IsZero() {
		res.RetryAfter = resetAt.Sub(now)
	}
	return res, nil
}

// Reset deletes the counter for subject
func (l *Limiter) Reset(ctx context.Context, subject string, cfg Config) error {
	return l.store.Del(ctx, cfg.key(subject))
}

func resetTime(now time.Time, ttl time.Duration) time.Time {
	if ttl < 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func retryAfter(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
