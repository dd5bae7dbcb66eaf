package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls atomic.Int32
	delay time.Duration
	gate  chan struct{}
	mu    sync.Mutex
	err   error

	// gateCall limits the gate to one call number; 0 gates every call.
	gateCall int32
}

func (f *fakeSource) FindCategoriesWithServicesAndPricing(ctx context.Context) (*Snapshot, error) {
	n := f.calls.Add(1)
	if f.gate != nil && (f.gateCall == 0 || n == f.gateCall) {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Categories: []Category{{ID: int64(n), Name: "c"}}}, nil
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestCacheServesWithinTTL(t *testing.T) {
	src := &fakeSource{}
	cache := NewCache(src, time.Minute, nil)
	ctx := context.Background()

	first, err := cache.Get(ctx)
	require.NoError(t, err)
	second, err := cache.Get(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())
	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestCacheExpiresAndInvalidates(t *testing.T) {
	src := &fakeSource{}
	cache := NewCache(src, time.Minute, nil)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := cache.Get(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	snap, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Categories[0].ID)

	cache.Invalidate()
	snap, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Categories[0].ID)

	snap, err = cache.RefreshNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Categories[0].ID)
}

func TestCacheInvalidatesOnPricingWrites(t *testing.T) {
	src := &fakeSource{}
	cache := NewCache(src, time.Hour, nil)
	bus := events.NewBus(nil)
	ctx := context.Background()

	var seen *Snapshot
	bus.Subscribe(events.Any, func(ctx context.Context, ev events.MutationEvent) error {
		seen, _ = cache.Get(ctx)
		return nil
	})
	unsubscribe := cache.InvalidateOn(bus)

	first, err := cache.Get(ctx)
	require.NoError(t, err)

	bus.Publish(ctx, events.NewMutation(events.KindUpdated, events.EntityPricingMethod, 110, 11, nil))
	assert.Same(t, first, seen)

	snap, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Categories[0].ID)

	unsubscribe()
	bus.Publish(ctx, events.NewMutation(events.KindUpdated, events.EntityPricingModifier, 5, 110, nil))
	again, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, snap, again)
}

func TestCacheCoalescesConcurrentMisses(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	cache := NewCache(src, time.Minute, nil)

	var wg sync.WaitGroup
	results := make([]*Snapshot, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := cache.Get(context.Background())
			if err == nil {
				results[i] = snap
			}
		}(i)
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, snap := range results {
		require.NotNil(t, snap)
		assert.Same(t, results[0], snap)
	}
}

func TestCacheRefreshNowSkipsFetchStartedEarlier(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), gateCall: 2}
	cache := NewCache(src, time.Minute, nil)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := cache.Get(ctx)
	require.NoError(t, err)

	// An expired Get starts fetch #2 and parks on the gate.
	now = now.Add(2 * time.Minute)
	late := make(chan *Snapshot, 1)
	go func() {
		snap, _ := cache.Get(ctx)
		late <- snap
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, time.Millisecond)

	// A write lands, then a reconcile asks for the current catalog.
	cache.Invalidate()
	fresh, err := cache.RefreshNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fresh.Categories[0].ID)

	close(src.gate)
	older := <-late
	require.NotNil(t, older)
	assert.Equal(t, int64(2), older.Categories[0].ID)

	current, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, fresh, current, "older fetch must not replace the newer snapshot")
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestCacheFallsBackToStaleSnapshot(t *testing.T) {
	src := &fakeSource{}
	cache := NewCache(src, time.Minute, nil)
	ctx := context.Background()

	_, err := cache.Get(ctx)
	require.NoError(t, err)

	src.setErr(errors.New("db down"))
	cache.Invalidate()
	snap, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Categories[0].ID)

	_, err = cache.RefreshNow(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(2), cache.Stats().Errors)
}

func TestCacheReturnsErrorWithoutSnapshot(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	cache := NewCache(src, time.Minute, nil)
	_, err := cache.Get(context.Background())
	require.Error(t, err)
}
