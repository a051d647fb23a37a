// Package usage meters per-resource consumption against a remote billing
// ledger. Each resource key gets one exclusive, serialized actor; admission
// decisions run against a consistent view of remaining credit while ledger
// calls are batched behind a cost threshold and a verify interval.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatemeter/gatemeter/internal/ledger"
	"github.com/gatemeter/gatemeter/internal/metrics"
	"github.com/gatemeter/gatemeter/internal/store"
	gateerrors "github.com/gatemeter/gatemeter/pkg/errors"
)

// Default reconciliation thresholds. A resource talks to the ledger roughly
// once per DefaultCostThreshold cost units or once per DefaultVerifyInterval,
// whichever comes first.
const (
	DefaultCostThreshold  = 100.0
	DefaultVerifyInterval = 5 * time.Minute
	DefaultLedgerTimeout  = 5 * time.Second
)

// State is the mutable usage state of one resource key.
// Cost is unreconciled local consumption since the last ledger sync;
// Remaining is the last-known balance from the ledger.
type State struct {
	Cost       float64   `json:"cost"`
	Remaining  float64   `json:"remaining"`
	LastVerify time.Time `json:"lastVerifyTime"`
}

// Config holds actor tuning knobs.
type Config struct {
	CostThreshold  float64       // Accumulated cost that forces a ledger sync (default: 100)
	VerifyInterval time.Duration // Wall-clock interval that forces a ledger sync (default: 5 minutes)
	LedgerTimeout  time.Duration // Per-call bound on ledger operations (default: 5 seconds)
	Logger         *slog.Logger
	Now            func() time.Time // Clock override for tests
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.CostThreshold <= 0 {
		cfg.CostThreshold = DefaultCostThreshold
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = DefaultVerifyInterval
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = DefaultLedgerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Actor is the exclusive, serialized owner of one resource key's usage state.
//
// All operations run under one per-actor mutex, so initialization and every
// Consume are totally ordered for the key. Correctness depends on at most one
// live owner per key; when the registry cannot guarantee that (multiple
// process instances over shared storage), exclusivity degrades to best-effort
// and the verify threshold becomes the backstop against over-spend.
type Actor struct {
	resourceID string
	store      store.Store
	ledger     ledger.Client
	cfg        Config

	mu    sync.Mutex
	ready bool
	state State
}

// NewActor creates an uninitialized actor for resourceID. State hydration is
// deferred to the first operation.
func NewActor(resourceID string, st store.Store, lc ledger.Client, cfg Config) *Actor {
	return &Actor{
		resourceID: resourceID,
		store:      st,
		ledger:     lc,
		cfg:        cfg.withDefaults(),
	}
}

// Init hydrates the actor's state, idempotently. Already-ready actors return
// immediately; otherwise persisted state is loaded, or, if none exists, a
// synchronous ledger sync seeds it. Concurrent callers for the same key block
// on the actor mutex until initialization completes.
func (a *Actor) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initLocked(ctx)
}

func (a *Actor) initLocked(ctx context.Context) error {
	if a.ready {
		return nil
	}

	var st State
	found, err := store.GetJSON(ctx, a.store, a.resourceID, &st)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("usage").Inc()
		return gateerrors.NewStoreUnavailableError(a.resourceID, "usage state load failed")
	}

	if found {
		a.state = st
		a.ready = true
		metrics.UsageActorsActive.Inc()
		return nil
	}

	ks, err := a.getKeyState(ctx)
	if err != nil {
		return gateerrors.NewLedgerUnavailableError(a.resourceID, "initial ledger sync failed")
	}

	a.state = State{
		Cost:       0,
		Remaining:  ks.Remaining,
		LastVerify: a.cfg.Now(),
	}
	if err := a.persistLocked(ctx); err != nil {
		return err
	}

	a.ready = true
	metrics.UsageActorsActive.Inc()
	return nil
}

// Consume charges cost against the resource. It returns nil when the request
// is admitted; rejection surfaces as InsufficientCredits, infrastructure
// failure as LedgerUnavailable or StoreUnavailable, both fail-closed.
//
// Most calls never touch the network: cost accumulates locally until the sum
// crosses the cost threshold or the verify interval elapses, and only then is
// the remote ledger consulted.
func (a *Actor) Consume(ctx context.Context, cost float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.initLocked(ctx); err != nil {
		return err
	}

	now := a.cfg.Now()
	sum := a.state.Cost + cost

	needsVerify := sum >= a.cfg.CostThreshold || now.Sub(a.state.LastVerify) > a.cfg.VerifyInterval
	if needsVerify {
		return a.consumeVerified(ctx, sum, now)
	}

	if a.state.Remaining-sum < 0 {
		// Reject without mutating state.
		return gateerrors.NewInsufficientCreditsError(a.resourceID, "remaining credits exhausted")
	}

	prev := a.state.Cost
	a.state.Cost = sum
	if err := a.persistLocked(ctx); err != nil {
		a.state.Cost = prev
		return err
	}
	return nil
}

// consumeVerified is the reconciliation path: it re-reads the ledger and
// settles accumulated cost against the authoritative balance.
//
// A ledger failure fails CLOSED and leaves LastVerify untouched, so the very
// next call retries the sync; LastVerify advances only on a successful ledger
// read, including one that ends in rejection.
func (a *Actor) consumeVerified(ctx context.Context, sum float64, now time.Time) error {
	ks, err := a.getKeyState(ctx)
	if err != nil {
		metrics.LedgerSyncTotal.WithLabelValues("error").Inc()
		a.cfg.Logger.Warn("ledger sync failed, failing closed",
			"resource", a.resourceID,
			"error", err,
		)
		return gateerrors.NewLedgerUnavailableError(a.resourceID, "ledger verification failed")
	}

	a.state.LastVerify = now

	if ks.Remaining-sum < 0 {
		metrics.LedgerSyncTotal.WithLabelValues("rejected").Inc()
		// Persist the advanced LastVerify so the next cheap request does not
		// immediately re-sync; the rejection stands even if the write fails.
		if err := a.persistLocked(ctx); err != nil {
			a.cfg.Logger.Warn("usage state persist failed after rejection",
				"resource", a.resourceID,
				"error", err,
			)
		}
		return gateerrors.NewInsufficientCreditsError(a.resourceID, "remaining credits exhausted")
	}

	metrics.LedgerSyncTotal.WithLabelValues("ok").Inc()
	a.state.Cost = 0
	a.state.Remaining = ks.Remaining - sum
	if err := a.persistLocked(ctx); err != nil {
		return err
	}

	// Report consumption out of band; admission latency never waits on the
	// ingest path.
	go a.ingest(sum)

	return nil
}

func (a *Actor) getKeyState(ctx context.Context) (ledger.KeyState, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.LedgerTimeout)
	defer cancel()

	start := time.Now()
	ks, err := a.ledger.GetKeyState(ctx, a.resourceID)
	metrics.LedgerSyncLatency.Observe(time.Since(start).Seconds())
	return ks, err
}

func (a *Actor) ingest(cost float64) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.LedgerTimeout)
	defer cancel()

	if err := a.ledger.IngestEvent(ctx, a.resourceID, cost); err != nil {
		a.cfg.Logger.Warn("usage ingest failed",
			"resource", a.resourceID,
			"cost", cost,
			"error", err,
		)
	}
}

func (a *Actor) persistLocked(ctx context.Context) error {
	// Usage state never expires; it is rewritten on every mutation and
	// reconciled against the ledger.
	if err := store.SetJSON(ctx, a.store, a.resourceID, &a.state, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("usage").Inc()
		return gateerrors.NewStoreUnavailableError(a.resourceID, "usage state persist failed")
	}
	return nil
}

// Snapshot returns a copy of the current state, initializing if needed.
func (a *Actor) Snapshot(ctx context.Context) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.initLocked(ctx); err != nil {
		return State{}, err
	}
	return a.state, nil
}
