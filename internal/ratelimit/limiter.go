// Package ratelimit implements fixed-window admission control backed by the
// shared counter store, with a transparent process-local fallback when the
// store is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sanchitrk/postflow/internal/cache"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	WindowMs   int64
	RetryAfter int // seconds; set only when denied
}

// Limiter enforces a per-(bucket, caller) fixed-window request quota.
// The shared store gives fleet-wide limiting; on store failure the limiter
// degrades to per-process limiting via the fallback store, never to an error
// on the request path.
type Limiter struct {
	shared   cache.Counters
	fallback *cache.Memory
	bypass   bool
}

// New creates a Limiter over the shared counter store. bypass disables
// enforcement entirely and must only be wired up outside production; callers
// are expected to gate it on the environment (see NewFromEnv).
func New(shared cache.Counters) *Limiter {
	return &Limiter{
		shared:   shared,
		fallback: cache.NewMemory(),
	}
}

// NewFromEnv creates a Limiter whose test bypass is honored only outside
// production. A production deployment can never run unlimited.
func NewFromEnv(shared cache.Counters, env string, bypassRequested bool) *Limiter {
	l := New(shared)
	if bypassRequested && env != "production" {
		l.bypass = true
		slog.Warn("rate limit bypass enabled", "env", env)
	}
	return l
}

// StartJanitor periodically purges expired fallback counters.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	l.fallback.StartJanitor(ctx, interval)
}

// BucketName derives a bucket identifier from the window policy so that
// distinct policies never share counters.
func BucketName(window time.Duration, maxRequests int) string {
	return fmt.Sprintf("w%d:m%d", window.Milliseconds(), maxRequests)
}

// Allow runs the check-and-consume step for one request. It never returns an
// error for store trouble; that path silently switches to the fallback store.
func (l *Limiter) Allow(ctx context.Context, caller string, window time.Duration, maxRequests int) Decision {
	if l.bypass {
		return Decision{Allowed: true, Limit: maxRequests, Remaining: maxRequests, WindowMs: window.Milliseconds()}
	}

	bucket := BucketName(window, maxRequests)
	key := cache.RateLimitKey(bucket, caller)

	d, err := l.consume(ctx, l.shared, key, window, maxRequests)
	if err == nil {
		return d
	}

	slog.Warn("rate limit falling back to process-local counters", "caller", caller, "error", err)
	d, err = l.consume(ctx, l.fallback, key, window, maxRequests)
	if err != nil {
		// The in-memory store never errors; keep the fail-open guarantee anyway.
		return Decision{Allowed: true, Limit: maxRequests, Remaining: 0, WindowMs: window.Milliseconds()}
	}
	return d
}

// consume increments the window counter, establishing the window expiry on
// the first hit. INCR and EXPIRE are two commands, so an increment can win
// while the expiry-set is lost; the TTL read-back below repairs that known
// race instead of pretending the pair is atomic.
func (l *Limiter) consume(ctx context.Context, store cache.Counters, key string, window time.Duration, maxRequests int) (Decision, error) {
	count, err := store.Incr(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := store.Expire(ctx, key, window); err != nil {
			return Decision{}, err
		}
	}

	ttl, err := store.TTL(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if ttl == cache.TTLNone {
		if err := store.Expire(ctx, key, window); err != nil {
			return Decision{}, err
		}
		ttl = window
	}
	if ttl < 0 {
		// Key vanished between INCR and TTL; treat as a fresh window.
		ttl = window
	}

	d := Decision{
		Limit:     maxRequests,
		Remaining: maxRequests - int(count),
		WindowMs:  window.Milliseconds(),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if count <= int64(maxRequests) {
		d.Allowed = true
		return d, nil
	}

	retryAfter := int(ttl.Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	d.RetryAfter = retryAfter
	return d, nil
}
