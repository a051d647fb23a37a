package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store using in-process maps with TTL envelopes.
// Intended for tests and single-node deployments; expired entries are removed
// lazily on read and by a background sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*ValueWithTTL
	counters map[string]*memoryCounter

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	closeOnce   sync.Once

	now func() time.Time

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

type memoryCounter struct {
	count       int64
	windowStart time.Time
	expires     time.Time
}

// MemoryStoreConfig holds configuration for MemoryStore.
type MemoryStoreConfig struct {
	SweepInterval time.Duration    // Background expiry sweep interval (default: 1 minute)
	Now           func() time.Time // Clock override for tests
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &MemoryStore{
		data:      make(map[string]*ValueWithTTL),
		counters:  make(map[string]*memoryCounter),
		stopSweep: make(chan struct{}),
		now:       cfg.Now,
	}

	s.sweepTicker = time.NewTicker(cfg.SweepInterval)
	go s.sweepLoop()

	return s
}

func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.sweepTicker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, env := range s.data {
		if env.Expired(now) {
			delete(s.data, key)
		}
	}
	for key, c := range s.counters {
		if !now.Before(c.expires) {
			delete(s.counters, key)
		}
	}
}

// Get retrieves a value. Expired envelopes are treated as absent and deleted.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	env, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, nil
	}

	if env.Expired(s.now()) {
		s.misses.Add(1)
		// Lazy deletion off the read path.
		go func() {
			s.mu.Lock()
			if cur, ok := s.data[key]; ok && cur == env {
				delete(s.data, key)
			}
			s.mu.Unlock()
		}()
		return nil, nil
	}

	s.hits.Add(1)
	// Return a copy to prevent mutation.
	result := make([]byte, len(env.Value))
	copy(result, env.Value)
	return result, nil
}

// Set stores a value. ttl <= 0 means the entry never expires.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	env := &ValueWithTTL{Value: valueCopy}
	if ttl > 0 {
		exp := s.now().Add(ttl)
		env.Expires = &exp
	}

	s.mu.Lock()
	s.data[key] = env
	s.mu.Unlock()

	s.sets.Add(1)
	return nil
}

// Increment bumps the windowed counter for key under the store lock.
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &memoryCounter{
			count:       1,
			windowStart: now,
			expires:     now.Add(window),
		}
		s.counters[key] = c
	} else {
		c.count++
	}

	return Counter{Count: c.count, WindowStart: c.windowStart}, nil
}

// Delete removes a key from both the value and counter maps.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	delete(s.counters, key)
	return nil
}

// Ping always returns nil for the memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.sweepTicker.Stop()
		close(s.stopSweep)
	})
	return nil
}

// Len returns the number of live value entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Stats returns hit/miss/set counts.
func (s *MemoryStore) Stats() (hits, misses, sets int64) {
	return s.hits.Load(), s.misses.Load(), s.sets.Load()
}
