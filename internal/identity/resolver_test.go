package identity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatemeter/gatemeter/internal/store"
	gateerrors "github.com/gatemeter/gatemeter/pkg/errors"
)

type fakeDirectory struct {
	lookups atomic.Int64
	ids     map[string]Identity
}

func (d *fakeDirectory) Lookup(ctx context.Context, credential string) (Identity, error) {
	d.lookups.Add(1)
	id, ok := d.ids[credential]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return id, nil
}

func newTestResolver(t *testing.T, dir *fakeDirectory, cfg Config, now *time.Time) (*Resolver, store.Store) {
	t.Helper()
	st := store.NewMemoryStore(store.MemoryStoreConfig{
		SweepInterval: time.Hour,
		Now:           func() time.Time { return *now },
	})
	t.Cleanup(func() { _ = st.Close() })

	cfg.Now = func() time.Time { return *now }
	return NewResolver(dir, st, cfg), st
}

func TestResolver_IdempotentWithinFreshness(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := &fakeDirectory{ids: map[string]Identity{
		"cred-1": {UserID: "user-1", OrgID: "org-1"},
	}}
	r, _ := newTestResolver(t, dir, Config{Freshness: time.Hour}, &now)
	ctx := context.Background()

	id, err := r.Resolve(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-1", OrgID: "org-1"}, id)

	id, err = r.Resolve(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", id.OrgID)

	assert.Equal(t, int64(1), dir.lookups.Load(), "second resolve within freshness must not hit the directory")
}

func TestResolver_RefreshesWhenStale(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := &fakeDirectory{ids: map[string]Identity{
		"cred-1": {UserID: "user-1", OrgID: "org-1"},
	}}
	r, _ := newTestResolver(t, dir, Config{Freshness: time.Hour}, &now)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "cred-1")
	require.NoError(t, err)

	// Past the freshness window the resolver goes back to the directory.
	// The L1 entry would still be live by wall clock, so drop it the way an
	// expired entry would have been.
	now = now.Add(2 * time.Hour)
	r.local.Delete("cred-1")

	_, err = r.Resolve(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), dir.lookups.Load())
}

func TestResolver_StaleWhileRevalidate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := &fakeDirectory{ids: map[string]Identity{
		"cred-1": {UserID: "user-1", OrgID: "org-1"},
	}}
	r, _ := newTestResolver(t, dir, Config{Freshness: time.Hour, StaleWhileRevalidate: true}, &now)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "cred-1")
	require.NoError(t, err)

	dir.ids["cred-1"] = Identity{UserID: "user-1", OrgID: "org-2"}

	now = now.Add(2 * time.Hour)
	r.local.Delete("cred-1")

	// Stale hit returns the old mapping immediately.
	id, err := r.Resolve(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", id.OrgID)

	// The background refresh lands shortly after.
	require.Eventually(t, func() bool {
		return dir.lookups.Load() == 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		id, err := r.Resolve(ctx, "cred-1")
		return err == nil && id.OrgID == "org-2"
	}, time.Second, 5*time.Millisecond)
}

func TestResolver_NotFound(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := &fakeDirectory{ids: map[string]Identity{}}
	r, _ := newTestResolver(t, dir, Config{}, &now)

	_, err := r.Resolve(context.Background(), "unknown")
	require.Error(t, err)
	assert.True(t, gateerrors.IsType(err, gateerrors.TypeIdentityNotFound))
}

func TestResolver_Invalidate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := &fakeDirectory{ids: map[string]Identity{
		"cred-1": {UserID: "user-1", OrgID: "org-1"},
	}}
	r, _ := newTestResolver(t, dir, Config{Freshness: time.Hour}, &now)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "cred-1")
	require.NoError(t, err)

	require.NoError(t, r.Invalidate(ctx, "cred-1"))

	_, err = r.Resolve(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), dir.lookups.Load(), "invalidated credential re-queries the directory")
}
