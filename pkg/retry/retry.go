// Package retry holds the backoff policies shared by the feed fetcher and the job queue.
package retry

import (
	"context"
	"math"
	"time"
)

// Kind selects how the delay grows between attempts
type Kind string

const (
	// Fixed waits the same delay after every failed attempt
	Fixed Kind = "fixed"
	// Linear waits Delay * attempt
	Linear Kind = "linear"
	// Exponential waits Delay * Multiplier^(attempt-1)
	Exponential Kind = "exponential"
)

// Policy defines the configuration for backoff behavior
type Policy struct {
	Kind       Kind
	Delay      time.Duration
	MaxDelay   time.Duration // zero means uncapped
	Multiplier float64       // exponential only, defaults to 2
}

// DefaultPolicy returns the exponential policy used for queued jobs
func DefaultPolicy() Policy {
	return Policy{
		Kind:       Exponential,
		Delay:      2 * time.Second,
		Multiplier: 2.0,
	}
}

// LinearPolicy returns a policy that waits delay*n after failed attempt n
func LinearPolicy(delay time.Duration) Policy {
	return Policy{Kind: Linear, Delay: delay}
}

// Backoff calculates the wait after failed attempt number attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.Delay <= 0 {
		return 0
	}

	var backoff float64
	switch p.Kind {
	case Fixed:
		backoff = float64(p.Delay)
	case Linear:
		backoff = float64(p.Delay) * float64(attempt)
	default:
		multiplier := p.Multiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}
		backoff = float64(p.Delay) * math.Pow(multiplier, float64(attempt-1))
	}

	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if backoff > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
