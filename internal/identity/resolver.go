// Package identity resolves opaque credentials to stable tenant identifiers,
// with TTL-based caching and optional stale-while-revalidate refresh.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/gatemeter/gatemeter/internal/metrics"
	"github.com/gatemeter/gatemeter/internal/store"
	gateerrors "github.com/gatemeter/gatemeter/pkg/errors"
)

// ErrNotFound is returned by Directory implementations for unknown credentials.
var ErrNotFound = errors.New("identity not found")

// Identity is the resolved tenant identity for a credential.
type Identity struct {
	UserID string `json:"userId"`
	OrgID  string `json:"orgId"`
}

// Record is the persisted credential mapping. It is refreshed in place and
// never deleted except by explicit administrative reset.
type Record struct {
	Credential string    `json:"credential"`
	UserID     string    `json:"userId"`
	OrgID      string    `json:"orgId"`
	LastSync   time.Time `json:"lastSyncTime"`
}

// Directory is the external identity store collaborator.
type Directory interface {
	// Lookup resolves a credential. Returns ErrNotFound (possibly wrapped)
	// for unknown credentials.
	Lookup(ctx context.Context, credential string) (Identity, error)
}

// Config configures a Resolver.
type Config struct {
	// Freshness is how long a record is served without re-querying the
	// directory (default: 1 hour).
	Freshness time.Duration

	// StaleWhileRevalidate returns a stale record immediately while a
	// background goroutine refreshes it, trading a bounded staleness window
	// for lower tail latency. Off means stale hits block on the directory.
	StaleWhileRevalidate bool

	Logger *slog.Logger
	Now    func() time.Time // Clock override for tests
}

// Resolver resolves credentials through an in-process cache, the persisted
// store, and finally the external directory.
type Resolver struct {
	dir       Directory
	store     store.Store
	local     *gocache.Cache
	freshness time.Duration
	swr       bool
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewResolver creates a resolver.
func NewResolver(dir Directory, st store.Store, cfg Config) *Resolver {
	if cfg.Freshness <= 0 {
		cfg.Freshness = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Resolver{
		dir:       dir,
		store:     st,
		local:     gocache.New(cfg.Freshness, 2*cfg.Freshness),
		freshness: cfg.Freshness,
		swr:       cfg.StaleWhileRevalidate,
		logger:    cfg.Logger,
		now:       cfg.Now,
		inflight:  make(map[string]struct{}),
	}
}

// Resolve maps a credential to its tenant identity.
// Fresh records are served without I/O; stale or absent records query the
// directory (inline, or in the background when stale-while-revalidate is on).
func (r *Resolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	now := r.now()

	// L1: in-process cache. Its TTL equals the freshness window, so a hit
	// is always fresh.
	if v, ok := r.local.Get(credential); ok {
		rec := v.(Record)
		metrics.IdentityLookups.WithLabelValues("cache").Inc()
		return Identity{UserID: rec.UserID, OrgID: rec.OrgID}, nil
	}

	// L2: persisted record.
	var rec Record
	found, err := store.GetJSON(ctx, r.store, credential, &rec)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("identity").Inc()
		r.logger.Warn("identity store read failed", "error", err)
		// Fall through to the directory; the store is a cache here, not
		// the source of truth.
		found = false
	}

	if found {
		if now.Sub(rec.LastSync) <= r.freshness {
			r.local.SetDefault(credential, rec)
			metrics.IdentityLookups.WithLabelValues("store").Inc()
			return Identity{UserID: rec.UserID, OrgID: rec.OrgID}, nil
		}
		if r.swr {
			r.revalidate(credential)
			metrics.IdentityLookups.WithLabelValues("stale").Inc()
			return Identity{UserID: rec.UserID, OrgID: rec.OrgID}, nil
		}
	}

	return r.refresh(ctx, credential)
}

// Invalidate drops the cached mapping for a credential. Administrative reset;
// the next Resolve will hit the directory.
func (r *Resolver) Invalidate(ctx context.Context, credential string) error {
	r.local.Delete(credential)
	return r.store.Delete(ctx, credential)
}

// revalidate schedules one background refresh per credential.
func (r *Resolver) revalidate(credential string) {
	r.mu.Lock()
	if _, busy := r.inflight[credential]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[credential] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, credential)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := r.refresh(ctx, credential); err != nil {
			r.logger.Warn("background identity refresh failed", "error", err)
		}
	}()
}

func (r *Resolver) refresh(ctx context.Context, credential string) (Identity, error) {
	id, err := r.dir.Lookup(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, gateerrors.NewIdentityNotFoundError(credential, "credential does not resolve to a tenant")
		}
		return Identity{}, err
	}
	metrics.IdentityLookups.WithLabelValues("directory").Inc()

	rec := Record{
		Credential: credential,
		UserID:     id.UserID,
		OrgID:      id.OrgID,
		LastSync:   r.now(),
	}

	// Persisted without TTL: records refresh in place and only an
	// administrative reset removes them.
	if err := store.SetJSON(ctx, r.store, credential, &rec, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("identity").Inc()
		r.logger.Warn("identity store write failed", "error", err)
	}
	r.local.SetDefault(credential, rec)

	return id, nil
}
