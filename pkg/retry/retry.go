// Package retry implements exponential backoff with jitter for transient
// failures, e.g. the database not accepting connections yet at startup.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		InitialWait: 1 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// Do executes fn until it succeeds, the attempts are exhausted, or the
// context is cancelled. The last error from fn is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff(attempt, cfg)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// backoff computes the wait before the next attempt: exponential growth
// capped at MaxWait, with ±25% jitter, never below InitialWait.
func backoff(attempt int, cfg Config) time.Duration {
	wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt))
	if wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	wait += wait * 0.25 * (rand.Float64()*2 - 1)
	if wait < float64(cfg.InitialWait) {
		wait = float64(cfg.InitialWait)
	}
	return time.Duration(wait)
}
