// Package ratelimit implements a fixed-window request counter backed by a
// pluggable store, plus the HTTP middleware and header emission around it.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatemeter/gatemeter/internal/metrics"
	"github.com/gatemeter/gatemeter/internal/store"
)

// KeyPrefix namespaces rate-limit entries in the store.
const KeyPrefix = "ratelimit:"

// Record is the persisted per-(key, window) counter state.
type Record struct {
	Count     int64     `json:"count"`
	ResetTime time.Time `json:"resetTime"`
	FirstHit  time.Time `json:"firstHit"`
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetTime  time.Time
	RetryAfter time.Duration // zero when allowed

	// FailedOpen marks a decision produced by the fail-open path after a
	// store error rather than by a real counter read.
	FailedOpen bool
}

// Options configures the limiter.
type Options struct {
	Window time.Duration // Window duration (default: 1 minute)
	Max    int64         // Requests per window (default: 60)

	// KeyGenerator maps a request to a rate-limit key.
	// Default derives the client IP, honoring trusted proxies.
	KeyGenerator func(r *http.Request) string

	// SkipSuccessfulRequests / SkipFailedRequests control whether a request
	// counts toward the limit based on its response outcome.
	SkipSuccessfulRequests bool
	SkipFailedRequests     bool

	// Header emission toggles.
	StandardHeaders bool // RateLimit-Limit / RateLimit-Remaining / RateLimit-Reset
	LegacyHeaders   bool // X-RateLimit-* and Retry-After

	Store  store.Store
	Logger *slog.Logger
	Now    func() time.Time // Clock override for tests
}

// Limiter is a fixed-window request counter keyed by client identity.
type Limiter struct {
	window time.Duration
	max    int64
	keyGen func(r *http.Request) string
	opts   Options
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a limiter. Options.Store is required.
func New(opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Max <= 0 {
		opts.Max = 60
	}
	if opts.KeyGenerator == nil {
		opts.KeyGenerator = ClientIPKeyGenerator(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Limiter{
		window: opts.Window,
		max:    opts.Max,
		keyGen: opts.KeyGenerator,
		opts:   opts,
		store:  opts.Store,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// Key returns the rate-limit key for a request.
func (l *Limiter) Key(r *http.Request) string {
	return l.keyGen(r)
}

// Limit returns the configured per-window maximum.
func (l *Limiter) Limit() int64 {
	return l.max
}

// Check computes the admission decision for key without mutating state, so
// the caller can decide whether to count the request at all.
//
// A store failure fails OPEN: the request is allowed rather than taking the
// whole gateway down on a transient storage outage. This is a deliberate
// availability-over-strictness trade-off.
func (l *Limiter) Check(ctx context.Context, key string) Result {
	now := l.now()

	var rec Record
	found, err := store.GetJSON(ctx, l.store, KeyPrefix+key, &rec)
	if err != nil {
		metrics.RateLimiterBackendErrors.WithLabelValues("check", "allow").Inc()
		l.logger.Warn("rate limit check failed, failing open",
			"key", key,
			"error", err,
		)
		return Result{
			Allowed:    true,
			Limit:      l.max,
			Remaining:  l.max,
			ResetTime:  now.Add(l.window),
			FailedOpen: true,
		}
	}

	// Absent or window rolled over: the incoming request starts a fresh window.
	if !found || now.Sub(rec.FirstHit) >= l.window {
		return Result{
			Allowed:   true,
			Limit:     l.max,
			Remaining: l.max,
			ResetTime: now.Add(l.window),
		}
	}

	remaining := l.max - rec.Count
	if remaining < 0 {
		remaining = 0
	}

	// The incoming request fits iff count+1 <= max.
	if rec.Count < l.max {
		return Result{
			Allowed:   true,
			Limit:     l.max,
			Remaining: remaining,
			ResetTime: rec.ResetTime,
		}
	}

	return Result{
		Allowed:    false,
		Limit:      l.max,
		Remaining:  0,
		ResetTime:  rec.ResetTime,
		RetryAfter: rec.ResetTime.Sub(now),
	}
}

// Increment counts one request against key and persists the record with the
// remaining window TTL so idle windows self-expire. It must be called once
// per admitted-or-rejected request unless the skip options say otherwise.
//
// The read-then-write here is not atomic against concurrent writers on the
// same key: two simultaneous requests in the same window can each read the
// pre-increment count and both be admitted when only one should. See the
// repository design notes; the behavior is intentional, not an oversight.
func (l *Limiter) Increment(ctx context.Context, key string) (Record, error) {
	now := l.now()

	var rec Record
	found, err := store.GetJSON(ctx, l.store, KeyPrefix+key, &rec)
	if err != nil {
		metrics.RateLimiterBackendErrors.WithLabelValues("increment", "skip").Inc()
		return Record{}, err
	}

	if !found || now.Sub(rec.FirstHit) >= l.window {
		rec = Record{
			Count:     1,
			FirstHit:  now,
			ResetTime: now.Add(l.window),
		}
	} else {
		rec.Count++
	}

	ttl := rec.ResetTime.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	if err := store.SetJSON(ctx, l.store, KeyPrefix+key, &rec, ttl); err != nil {
		metrics.RateLimiterBackendErrors.WithLabelValues("increment", "skip").Inc()
		return Record{}, err
	}

	return rec, nil
}

// Reset clears the counter for key. Used by administrative resets only;
// normal windows expire via the store TTL.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, KeyPrefix+key)
}

// IsStoreUnavailable reports whether err is a transient store failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}
