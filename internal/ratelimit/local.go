package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token-bucket limiter keyed by client identity.
// The windowed limiter fails open when its store is unavailable; the gate runs
// requests through a LocalLimiter during such outages so a single client
// cannot exploit the open failure mode with an unbounded burst.
type LocalLimiter struct {
	mu         sync.RWMutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	rate       rate.Limit
	burst      int
	cleanupTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// LocalLimiterConfig configures a LocalLimiter.
type LocalLimiterConfig struct {
	RPM        int           // Requests per minute per key (default: 60)
	Burst      int           // Burst size (default: 10)
	CleanupTTL time.Duration // TTL for inactive buckets (default: 10 minutes)
}

// NewLocalLimiter creates a local limiter and starts its cleanup goroutine.
func NewLocalLimiter(cfg LocalLimiterConfig) *LocalLimiter {
	if cfg.RPM <= 0 {
		cfg.RPM = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = 10 * time.Minute
	}

	l := &LocalLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rate:       rate.Limit(float64(cfg.RPM) / 60.0),
		burst:      cfg.Burst,
		cleanupTTL: cfg.CleanupTTL,
		stop:       make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether one request for key fits the local bucket.
func (l *LocalLimiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

func (l *LocalLimiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		l.mu.Lock()
		l.lastAccess[key] = time.Now()
		l.mu.Unlock()
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = l.limiters[key]; exists {
		l.lastAccess[key] = time.Now()
		return limiter
	}

	limiter = rate.NewLimiter(l.rate, l.burst)
	l.limiters[key] = limiter
	l.lastAccess[key] = time.Now()

	return limiter
}

// Remove drops the bucket for key.
func (l *LocalLimiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
	delete(l.lastAccess, key)
}

// Len returns the number of active buckets.
func (l *LocalLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the cleanup goroutine.
func (l *LocalLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *LocalLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *LocalLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, last := range l.lastAccess {
		if now.Sub(last) > l.cleanupTTL {
			delete(l.limiters, key)
			delete(l.lastAccess, key)
		}
	}
}
