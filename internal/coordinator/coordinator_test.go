package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/internal/events"
	"marketsync/internal/remoteui"
	"marketsync/internal/surface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	mu      sync.Mutex
	calls   map[string][]surface.Options
	errs    []error
	gate    chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{calls: map[string][]surface.Options{}}
}

func (f *fakeReconciler) Reconcile(_ context.Context, key string, opts surface.Options) (surface.Result, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[key] = append(f.calls[key], opts)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return surface.Result{GroupKey: key, Action: surface.ActionUpdated}, err
}

func (f *fakeReconciler) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[key])
}

func (f *fakeReconciler) options(key string) []surface.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]surface.Options(nil), f.calls[key]...)
}

func testConfig() Config {
	return Config{
		Debounce:         40 * time.Millisecond,
		Retry:            RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
		ReconcileTimeout: time.Second,
		CleanupEvery:     time.Hour,
		StaleLockAfter:   time.Minute,
	}
}

func newTestCoordinator(t *testing.T, rec Reconciler) *Coordinator {
	t.Helper()
	c := New(rec, nil, testConfig(), nil)
	t.Cleanup(c.Stop)
	return c
}

func transient() error { return remoteui.Classify(remoteui.ErrRateLimited, errors.New("429")) }

func TestBurstOfEventsCollapsesToOneRun(t *testing.T) {
	rec := newFakeReconciler()
	c := newTestCoordinator(t, rec)

	for i := 0; i < 10; i++ {
		c.OnEvent("boosting", i == 3)
		time.Sleep(2 * time.Millisecond)
	}
	st, ok := c.Status("boosting")
	require.True(t, ok)
	assert.Equal(t, StateScheduled, st.State)

	require.Eventually(t, func() bool { return rec.count("boosting") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count("boosting"))
	assert.True(t, rec.options("boosting")[0].Refresh)
	assert.Equal(t, uint64(10), c.Health().Events)
}

func TestSecondTriggerWhileRunningIsDropped(t *testing.T) {
	rec := newFakeReconciler()
	rec.gate = make(chan struct{})
	c := newTestCoordinator(t, rec)

	c.Trigger("boosting", surface.Options{})
	require.Eventually(t, func() bool { return rec.running.Load() == 1 }, time.Second, time.Millisecond)

	c.Trigger("boosting", surface.Options{})
	require.Eventually(t, func() bool { return c.Health().Dropped == 1 }, time.Second, time.Millisecond)

	st, _ := c.Status("boosting")
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.LockHeld)
	assert.Equal(t, 1, c.Health().ActiveLocks)

	close(rec.gate)
	require.Eventually(t, func() bool { return c.Health().Successes == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.count("boosting"))
	assert.Equal(t, int32(1), rec.peak.Load())

	st, _ = c.Status("boosting")
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.LockHeld)
}

func TestDifferentSurfacesRunConcurrently(t *testing.T) {
	rec := newFakeReconciler()
	rec.gate = make(chan struct{})
	c := newTestCoordinator(t, rec)

	c.Trigger("a", surface.Options{})
	c.Trigger("b", surface.Options{})
	require.Eventually(t, func() bool { return rec.running.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, c.Health().ActiveLocks)

	close(rec.gate)
	require.Eventually(t, func() bool { return c.Health().Successes == 2 }, time.Second, time.Millisecond)
}

func TestTransientFailuresRetryThenGiveUp(t *testing.T) {
	rec := newFakeReconciler()
	rec.errs = []error{transient(), transient(), transient(), transient(), transient()}
	c := newTestCoordinator(t, rec)

	c.Trigger("boosting", surface.Options{})
	require.Eventually(t, func() bool { return c.Health().Failures == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 4, rec.count("boosting"))
	h := c.Health()
	assert.Equal(t, uint64(3), h.Retries)
	assert.Equal(t, uint64(0), h.Successes)
	assert.Equal(t, 0, h.ActiveLocks)

	st, _ := c.Status("boosting")
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 0, st.Attempt)
	assert.NotEmpty(t, st.LastError)
}

func TestSuccessAfterRetryResetsAttempt(t *testing.T) {
	rec := newFakeReconciler()
	rec.errs = []error{transient(), context.DeadlineExceeded}
	c := newTestCoordinator(t, rec)

	c.Trigger("boosting", surface.Options{})
	require.Eventually(t, func() bool { return c.Health().Successes == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 3, rec.count("boosting"))
	st, _ := c.Status("boosting")
	assert.Equal(t, 0, st.Attempt)
	assert.False(t, st.LockHeld)
	assert.Empty(t, st.LastError)
	assert.Equal(t, uint64(2), c.Health().Retries)
	assert.Equal(t, 1.0, c.Health().SuccessRate)
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	rec := newFakeReconciler()
	rec.errs = []error{remoteui.Classify(remoteui.ErrTerminal, errors.New("missing access"))}
	c := newTestCoordinator(t, rec)

	c.Trigger("boosting", surface.Options{})
	require.Eventually(t, func() bool { return c.Health().Failures == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rec.count("boosting"))
	assert.Equal(t, uint64(0), c.Health().Retries)
	assert.Equal(t, 0.0, c.Health().SuccessRate)
}

func TestMissingChannelGetsOneAttempt(t *testing.T) {
	rec := newFakeReconciler()
	gone := remoteui.Classify(remoteui.ErrNotFound, errors.New("create message in chan-9: 404 unknown channel"))
	rec.errs = []error{fmt.Errorf("apply surface boosting: %w", remoteui.Classify(remoteui.ErrTerminal, gone))}
	c := newTestCoordinator(t, rec)

	c.Trigger("boosting", surface.Options{})
	require.Eventually(t, func() bool { return c.Health().Failures == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rec.count("boosting"))
	assert.Equal(t, uint64(0), c.Health().Retries)
	st, _ := c.Status("boosting")
	assert.Contains(t, st.LastError, "unknown channel")
	assert.False(t, st.LockHeld)
}

func TestSweepReleasesStaleLocks(t *testing.T) {
	rec := newFakeReconciler()
	rec.gate = make(chan struct{})
	c := newTestCoordinator(t, rec)

	c.Trigger("boosting", surface.Options{})
	require.Eventually(t, func() bool { return rec.running.Load() == 1 }, time.Second, time.Millisecond)

	h := c.Sweep()
	assert.Equal(t, 1, h.ActiveLocks)
	assert.Equal(t, uint64(0), h.StaleLocksCleared)

	c.mu.Lock()
	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	c.mu.Unlock()

	h = c.Sweep()
	assert.Equal(t, uint64(1), h.StaleLocksCleared)
	assert.Equal(t, 0, h.ActiveLocks)
	assert.Equal(t, 0, h.Jobs)

	// A fresh run may start; the stuck one must not release its lock.
	c.Trigger("boosting", surface.Options{})
	require.Eventually(t, func() bool { return rec.count("boosting") == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.Health().ActiveLocks)

	close(rec.gate)
	require.Eventually(t, func() bool { return c.Health().Successes == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.Health().ActiveLocks)

	c.Sweep()
	assert.Empty(t, c.Jobs())
}

func TestStopCancelsPendingTimers(t *testing.T) {
	rec := newFakeReconciler()
	c := New(rec, nil, testConfig(), nil)

	c.OnEvent("boosting", false)
	c.Stop()
	c.Stop()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count("boosting"))

	c.OnEvent("boosting", false)
	assert.Equal(t, 0, c.Health().Scheduled)
}

func TestRebuildAllForcesEverySurface(t *testing.T) {
	rec := newFakeReconciler()
	c := newTestCoordinator(t, rec)

	c.RebuildAll([]string{"a", "b", " "})
	require.Eventually(t, func() bool { return c.Health().Successes == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []surface.Options{{Refresh: true, Force: true}}, rec.options("a"))
	assert.Equal(t, []surface.Options{{Refresh: true, Force: true}}, rec.options("b"))
}

type stubResolver struct {
	keys    []string
	refresh bool
	err     error
}

func (s stubResolver) SurfacesFor(context.Context, events.MutationEvent) ([]string, bool, error) {
	return s.keys, s.refresh, s.err
}

func TestWireSchedulesResolvedSurfaces(t *testing.T) {
	rec := newFakeReconciler()
	c := newTestCoordinator(t, rec)
	bus := events.NewBus(nil)

	unsubscribe := Wire(bus, stubResolver{keys: []string{"a", "b"}, refresh: true}, c)
	bus.Publish(context.Background(), events.NewMutation(events.KindCreated, events.EntityService, 1, 1, nil))

	require.Eventually(t, func() bool { return rec.count("a") == 1 && rec.count("b") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.options("a")[0].Refresh)

	unsubscribe()
	assert.Equal(t, 0, bus.Subscribers())
}

func TestWireReportsResolverFailures(t *testing.T) {
	c := newTestCoordinator(t, newFakeReconciler())
	bus := events.NewBus(nil)
	Wire(bus, stubResolver{err: errors.New("db down")}, c)

	bus.Publish(context.Background(), events.NewMutation(events.KindUpdated, events.EntityPricingMethod, 1, 1, nil))
	_, failures := bus.Stats()
	assert.Equal(t, uint64(1), failures)
	assert.Equal(t, 0, c.Health().Jobs)
}
