package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatemeter/gatemeter/internal/store"
)

func newTestRegistry(t *testing.T, lc *fakeLedger) *Registry {
	t.Helper()
	st := store.NewMemoryStore(store.MemoryStoreConfig{SweepInterval: time.Hour})
	t.Cleanup(func() { _ = st.Close() })
	return NewRegistry(st, lc, Config{})
}

func TestRegistry_SameActorPerKey(t *testing.T) {
	r := newTestRegistry(t, &fakeLedger{remaining: 100})

	a := r.Actor("key-a")
	b := r.Actor("key-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Actor("key-a"))
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ConcurrentInitSyncsOnce(t *testing.T) {
	lc := &fakeLedger{remaining: 100}
	r := newTestRegistry(t, lc)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Actor("key-a").Init(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, lc.calls(), "concurrent initializers serialize behind one sync")
}

func TestRegistry_ConcurrentConsumeIsSerialized(t *testing.T) {
	lc := &fakeLedger{remaining: 1000}
	r := newTestRegistry(t, lc)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Actor("key-a").Consume(ctx, 1)
		}()
	}
	wg.Wait()

	st, err := r.Actor("key-a").Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(20), st.Cost, "no consumed cost is lost under concurrency")
}
