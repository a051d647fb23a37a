// Package store provides durable key-value persistence for admission state.
// It supports multiple backends including in-memory and Redis, with a shared
// TTL envelope so expiry behaves identically regardless of backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// ErrUnavailable indicates a transient backend I/O failure. Callers decide
// fail-open vs fail-closed policy by checking for this sentinel with errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// ValueWithTTL is the persisted envelope every entry is wrapped in.
// A nil Expires means the entry never expires.
type ValueWithTTL struct {
	Value   json.RawMessage `json:"value"`
	Expires *time.Time      `json:"expires,omitempty"`
}

// Expired reports whether the envelope has passed its expiry at the given time.
func (v *ValueWithTTL) Expired(now time.Time) bool {
	return v.Expires != nil && !now.Before(*v.Expires)
}

// Counter is the result of an Increment on a windowed counter key.
type Counter struct {
	Count       int64
	WindowStart time.Time
}

// Store is the persistence capability consumed by the rate limiter, the
// identity resolver, and the usage actors.
type Store interface {
	// Get retrieves the raw value for key.
	// Returns nil, nil if the key doesn't exist or its envelope has expired;
	// an expired envelope is deleted asynchronously.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. If ttl <= 0 the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment bumps the windowed counter for key. A missing or expired
	// counter starts a fresh window with count 1; otherwise the count is
	// incremented in place and the window start is preserved. The entry
	// self-expires at the end of its window.
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Ping checks if the backend is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// GetJSON reads key and unmarshals its envelope value into out.
// Returns false when the key is absent or expired.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and stores it under key with the given TTL.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}
