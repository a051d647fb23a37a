package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatemeter/gatemeter/internal/identity"
	"github.com/gatemeter/gatemeter/internal/ledger"
	"github.com/gatemeter/gatemeter/internal/ratelimit"
	"github.com/gatemeter/gatemeter/internal/store"
	"github.com/gatemeter/gatemeter/internal/usage"
)

type staticDirectory struct {
	ids map[string]identity.Identity
}

func (d *staticDirectory) Lookup(ctx context.Context, credential string) (identity.Identity, error) {
	id, ok := d.ids[credential]
	if !ok {
		return identity.Identity{}, identity.ErrNotFound
	}
	return id, nil
}

type stubLedger struct {
	remaining float64
	err       atomic.Pointer[error]
}

func (l *stubLedger) GetKeyState(ctx context.Context, resourceID string) (ledger.KeyState, error) {
	if p := l.err.Load(); p != nil {
		return ledger.KeyState{}, *p
	}
	return ledger.KeyState{Remaining: l.remaining}, nil
}

func (l *stubLedger) IngestEvent(ctx context.Context, resourceID string, cost float64) error {
	return nil
}

func (l *stubLedger) fail(err error) {
	if err == nil {
		l.err.Store(nil)
		return
	}
	l.err.Store(&err)
}

type gateHarness struct {
	gate  *Gate
	store store.Store
	now   *time.Time
}

// exhaust burns through the rate-limit window for key so the next request
// takes the metered path.
func (h *gateHarness) exhaust(t *testing.T, key string, max int) {
	t.Helper()
	for i := 0; i < max; i++ {
		d := h.gate.Admit(context.Background(), Request{ClientKey: key, Credential: "cred-1"})
		require.Equal(t, OutcomeAllowedFast, d.Outcome)
	}
}

func newHarness(t *testing.T, max int64, lc ledger.Client, cfg Config) *gateHarness {
	t.Helper()

	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	st := store.NewMemoryStore(store.MemoryStoreConfig{SweepInterval: time.Hour, Now: clock})
	t.Cleanup(func() { _ = st.Close() })

	limiter := ratelimit.New(ratelimit.Options{
		Window: time.Minute,
		Max:    max,
		Store:  st,
		Now:    clock,
	})
	resolver := identity.NewResolver(
		&staticDirectory{ids: map[string]identity.Identity{
			"cred-1": {UserID: "user-1", OrgID: "org-1"},
		}},
		st,
		identity.Config{Now: clock},
	)
	reg := usage.NewRegistry(st, lc, usage.Config{Now: clock})

	return &gateHarness{
		gate:  New(limiter, nil, resolver, reg, st, cfg),
		store: st,
		now:   &now,
	}
}

func TestGate_FastPathUnderThreshold(t *testing.T) {
	h := newHarness(t, 5, &stubLedger{remaining: 100}, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := h.gate.Admit(ctx, Request{ClientKey: "1.2.3.4", Credential: "cred-1"})
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, OutcomeAllowedFast, d.Outcome)
		assert.Empty(t, d.Identity.OrgID, "fast path must not resolve identity")
		assert.NotEmpty(t, d.ID)
	}
}

func TestGate_MeteredAllowOverThreshold(t *testing.T) {
	h := newHarness(t, 2, &stubLedger{remaining: 100}, Config{})
	ctx := context.Background()

	req := Request{ClientKey: "1.2.3.4", Credential: "cred-1", Cost: 3}
	h.gate.Admit(ctx, req)
	h.gate.Admit(ctx, req)

	d := h.gate.Admit(ctx, req)
	require.True(t, d.Allowed)
	assert.Equal(t, OutcomeAllowedMetered, d.Outcome)
	assert.Equal(t, "org-1", d.Identity.OrgID)
}

func TestGate_InsufficientCredits(t *testing.T) {
	h := newHarness(t, 1, &stubLedger{remaining: 5}, Config{})
	ctx := context.Background()
	h.exhaust(t, "1.2.3.4", 1)

	d := h.gate.Admit(ctx, Request{ClientKey: "1.2.3.4", Credential: "cred-1", Cost: 10})
	require.False(t, d.Allowed)
	assert.Equal(t, OutcomeInsufficientCredits, d.Outcome)
}

func TestGate_IdentityNotFound(t *testing.T) {
	h := newHarness(t, 1, &stubLedger{remaining: 100}, Config{})
	ctx := context.Background()
	h.exhaust(t, "1.2.3.4", 1)

	d := h.gate.Admit(ctx, Request{ClientKey: "1.2.3.4", Credential: "unknown"})
	require.False(t, d.Allowed)
	assert.Equal(t, OutcomeIdentityNotFound, d.Outcome)
}

func TestGate_LedgerUnavailableDenies(t *testing.T) {
	lc := &stubLedger{remaining: 100}
	lc.fail(errors.New("ledger down"))
	h := newHarness(t, 1, lc, Config{})
	ctx := context.Background()
	h.exhaust(t, "1.2.3.4", 1)

	d := h.gate.Admit(ctx, Request{ClientKey: "1.2.3.4", Credential: "cred-1"})
	require.False(t, d.Allowed)
	assert.Equal(t, OutcomeLedgerUnavailable, d.Outcome)
}

func TestGate_LedgerUnavailableGrace(t *testing.T) {
	lc := &stubLedger{remaining: 100}
	lc.fail(errors.New("ledger down"))
	h := newHarness(t, 1, lc, Config{GraceAllowances: 2})
	ctx := context.Background()
	h.exhaust(t, "1.2.3.4", 1)

	req := Request{ClientKey: "1.2.3.4", Credential: "cred-1"}

	for i := 0; i < 2; i++ {
		d := h.gate.Admit(ctx, req)
		require.True(t, d.Allowed, "grace admission %d", i)
		assert.Equal(t, OutcomeAllowedGrace, d.Outcome)
	}

	d := h.gate.Admit(ctx, req)
	require.False(t, d.Allowed, "grace allowance exhausted")
	assert.Equal(t, OutcomeLedgerUnavailable, d.Outcome)
}

func TestGate_DefaultCostApplied(t *testing.T) {
	lc := &stubLedger{remaining: 2}
	h := newHarness(t, 1, lc, Config{DefaultCost: 1})
	ctx := context.Background()
	h.exhaust(t, "1.2.3.4", 1)

	req := Request{ClientKey: "1.2.3.4", Credential: "cred-1"} // no explicit cost

	d := h.gate.Admit(ctx, req)
	require.True(t, d.Allowed)
	assert.Equal(t, OutcomeAllowedMetered, d.Outcome)
	d = h.gate.Admit(ctx, req)
	require.True(t, d.Allowed)
	d = h.gate.Admit(ctx, req)
	require.False(t, d.Allowed)
	assert.Equal(t, OutcomeInsufficientCredits, d.Outcome)
}

type erroringStore struct{}

func (erroringStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, store.ErrUnavailable
}

func (erroringStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return store.ErrUnavailable
}

func (erroringStore) Increment(ctx context.Context, key string, window time.Duration) (store.Counter, error) {
	return store.Counter{}, store.ErrUnavailable
}

func (erroringStore) Delete(ctx context.Context, key string) error { return store.ErrUnavailable }
func (erroringStore) Ping(ctx context.Context) error               { return store.ErrUnavailable }
func (erroringStore) Close() error                                 { return nil }

func TestGate_BackstopShedsWhileFailingOpen(t *testing.T) {
	st := erroringStore{}
	limiter := ratelimit.New(ratelimit.Options{Window: time.Minute, Max: 5, Store: st})
	backstop := ratelimit.NewLocalLimiter(ratelimit.LocalLimiterConfig{RPM: 60, Burst: 2})
	t.Cleanup(backstop.Close)

	g := New(limiter, backstop, nil, nil, st, Config{})
	ctx := context.Background()

	req := Request{ClientKey: "1.2.3.4", Credential: "cred-1"}

	// The broken store fails the limiter open; the backstop admits its burst
	// and then sheds.
	for i := 0; i < 2; i++ {
		d := g.Admit(ctx, req)
		require.True(t, d.Allowed, "backstop burst %d", i)
		assert.Equal(t, OutcomeAllowedFast, d.Outcome)
		assert.True(t, d.RateLimit.FailedOpen)
	}

	d := g.Admit(ctx, req)
	require.False(t, d.Allowed)
	assert.Equal(t, OutcomeRateLimited, d.Outcome)
}
