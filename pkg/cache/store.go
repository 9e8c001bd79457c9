// Package cache provides the TTL key-value stores shared by feed data,
// summaries and rate-limit counters.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// TTL sentinels, mirroring the usual key-value store conventions
const (
	// NoExpiry is returned by TTL for a key that never expires
	NoExpiry time.Duration = -1 * time.Second
	// Missing is returned by TTL for a key that does not exist
	Missing time.Duration = -2 * time.Second
)

var (
	// ErrUnavailable wraps every backend connectivity failure
	ErrUnavailable = errors.New("cache unavailable")
	// ErrClosed is returned by operations on a closed store
	ErrClosed = fmt.Errorf("%w: store closed", ErrUnavailable)
	// ErrNotInteger is returned by Incr when the key holds a non-counter value
	ErrNotInteger = errors.New("cache value is not an integer")
)

// Store is a key-value store with optional per-key expiry. A read after
// expiry behaves exactly as if the key were absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value; ttl <= 0 means the key never expires
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns whole seconds remaining, NoExpiry or Missing
	TTL(ctx context.Context, key string) (time.Duration, error)
	Close() error
}

// Incrementer is implemented by stores that can atomically increment a
// counter. The window is applied only when the counter is created.
type Incrementer interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Sweeper is implemented by stores that can purge expired entries on demand
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Key builds a cache key from a prefix and the md5 of content
func Key(prefix, content string) string {
	sum := md5.Sum([]byte(content))
	return prefix + ":" + hex.EncodeToString(sum[:])
}

// remaining converts an absolute expiry into the TTL reported to callers,
// rounding partial seconds up so a live key never reports 0.
func remaining(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return NoExpiry
	}
	d := expiresAt.Sub(now)
	if d <= 0 {
		return Missing
	}
	return (d + time.Second - 1) / time.Second * time.Second
}
