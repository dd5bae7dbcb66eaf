// Package coordinator debounces catalog mutations per surface, runs at most
// one reconciliation per surface at a time, and retries transient failures.
package coordinator

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"marketsync/internal/catalog"
	"marketsync/internal/surface"
)

// Reconciler is the channel synchronizer as seen by the coordinator.
type Reconciler interface {
	Reconcile(ctx context.Context, groupKey string, opts surface.Options) (surface.Result, error)
}

// CacheStats feeds the cache hit rate into health reports.
type CacheStats interface {
	Stats() catalog.CacheStats
}

type Config struct {
	Debounce         time.Duration
	Retry            RetryPolicy
	ReconcileTimeout time.Duration
	CleanupEvery     time.Duration
	StaleLockAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 800 * time.Millisecond
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 30 * time.Second
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = time.Minute
	}
	if c.StaleLockAfter <= 0 {
		c.StaleLockAfter = 5 * time.Minute
	}
	return c
}

type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

// job is the arena entry for one surface. A surface can be Running and have a
// new timer pending at the same time; the pending timer wins for State.
type job struct {
	surfaceKey  string
	scheduledAt time.Time
	timer       *time.Timer
	gen         uint64
	refresh     bool
	force       bool

	attempt   int
	lockHeld  bool
	lockToken uint64
	lockedAt  time.Time

	lastRun   time.Time
	lastError string
}

func (j *job) state() State {
	switch {
	case j.timer != nil:
		return StateScheduled
	case j.lockHeld:
		return StateRunning
	default:
		return StateIdle
	}
}

type JobStatus struct {
	SurfaceKey  string    `json:"surface_key"`
	State       State     `json:"state"`
	Attempt     int       `json:"attempt"`
	LockHeld    bool      `json:"lock_held"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`
	LastRun     time.Time `json:"last_run,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

type Coordinator struct {
	rec   Reconciler
	cache CacheStats
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	jobs      map[string]*job
	nextToken uint64
	stopped   bool
	counts    counters
	metrics   instruments

	done chan struct{}
	wg   sync.WaitGroup
}

func New(rec Reconciler, cache CacheStats, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rec:     rec,
		cache:   cache,
		cfg:     cfg.withDefaults(),
		log:     logger,
		now:     time.Now,
		jobs:    map[string]*job{},
		metrics: newInstruments(logger),
		done:    make(chan struct{}),
	}
}

// Start runs the periodic cleanup sweep until ctx ends or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.CleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop cancels pending timers, abandons queued retries and waits for
// in-flight attempts to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for _, j := range c.jobs {
		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
		}
	}
	close(c.done)
	c.mu.Unlock()
	c.wg.Wait()
}

// OnEvent debounces a mutation affecting surfaceKey. A pending timer is reset
// and its refresh request carried over.
func (c *Coordinator) OnEvent(surfaceKey string, refresh bool) {
	c.schedule(surfaceKey, surface.Options{Refresh: refresh}, c.cfg.Debounce)
}

// Trigger schedules a reconciliation without waiting for the debounce window.
// It still respects the per-surface lock.
func (c *Coordinator) Trigger(surfaceKey string, opts surface.Options) {
	c.schedule(surfaceKey, opts, 0)
}

// RebuildAll force-reconciles every given surface through the usual locks.
func (c *Coordinator) RebuildAll(keys []string) {
	for _, key := range keys {
		c.Trigger(key, surface.Options{Refresh: true, Force: true})
	}
}

func (c *Coordinator) schedule(key string, opts surface.Options, delay time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	j := c.jobs[key]
	if j == nil {
		j = &job{surfaceKey: key}
		c.jobs[key] = j
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	j.refresh = j.refresh || opts.Refresh
	j.force = j.force || opts.Force
	j.gen++
	gen := j.gen
	j.scheduledAt = c.now().Add(delay)
	j.timer = time.AfterFunc(delay, func() { c.fire(key, gen) })
	c.counts.events++
}

// fire runs when a debounce timer expires. A timer from an older generation
// was superseded by a reset and is ignored.
func (c *Coordinator) fire(key string, gen uint64) {
	c.mu.Lock()
	j, ok := c.jobs[key]
	if !ok || j.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	j.timer = nil
	opts := surface.Options{Refresh: j.refresh, Force: j.force}
	j.refresh, j.force = false, false

	if j.lockHeld {
		c.counts.dropped++
		c.mu.Unlock()
		c.metrics.dropped.Add(context.Background(), 1, surfaceAttr(key))
		c.log.Info("reconcile already running, dropping attempt", "surface", key)
		return
	}

	c.nextToken++
	token := c.nextToken
	j.lockHeld = true
	j.lockToken = token
	j.lockedAt = c.now()
	j.attempt = 0
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(key, token, opts)
}

// run performs one reconciliation cycle, retrying while the policy allows.
// The lock stays held across retries.
func (c *Coordinator) run(key string, token uint64, opts surface.Options) {
	defer c.wg.Done()

	for n := 0; ; n++ {
		// Attempts are not cancelled by Stop, only bounded by the timeout.
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReconcileTimeout)
		res, err := c.rec.Reconcile(ctx, key, opts)
		cancel()

		if err == nil {
			c.log.Debug("reconcile done", "surface", key, "action", res.Action, "attempt", n)
			c.finish(key, token, nil)
			return
		}
		if !c.cfg.Retry.ShouldRetry(n, err) {
			if n >= c.cfg.Retry.MaxRetries {
				c.log.Error("reconcile retries exhausted", "surface", key, "attempt", n, "err", err)
			} else {
				c.log.Error("reconcile failed permanently", "surface", key, "attempt", n, "err", err)
			}
			c.finish(key, token, err)
			return
		}

		delay := c.cfg.Retry.Delay(n)
		c.log.Warn("reconcile failed, retrying", "surface", key, "attempt", n+1, "delay", delay, "err", err)
		if !c.noteRetry(key, token, n+1, err) {
			// Lock was swept while this run was stuck.
			return
		}

		wait := time.NewTimer(delay)
		select {
		case <-wait.C:
		case <-c.done:
			wait.Stop()
			c.finish(key, token, err)
			return
		}
	}
}

func (c *Coordinator) noteRetry(key string, token uint64, attempt int, err error) bool {
	c.mu.Lock()
	c.counts.retries++
	j, ok := c.jobs[key]
	owned := ok && j.lockHeld && j.lockToken == token
	if owned {
		j.attempt = attempt
		j.lastError = err.Error()
	}
	c.mu.Unlock()
	c.metrics.retries.Add(context.Background(), 1, surfaceAttr(key))
	return owned
}

// finish settles a cycle and releases the lock if this run still owns it.
func (c *Coordinator) finish(key string, token uint64, err error) {
	c.mu.Lock()
	if err == nil {
		c.counts.successes++
	} else {
		c.counts.failures++
	}
	if j, ok := c.jobs[key]; ok && j.lockHeld && j.lockToken == token {
		j.lockHeld = false
		j.lockToken = 0
		j.attempt = 0
		j.lastRun = c.now()
		j.lastError = ""
		if err != nil {
			j.lastError = err.Error()
		}
	}
	c.mu.Unlock()

	if err == nil {
		c.metrics.successes.Add(context.Background(), 1, surfaceAttr(key))
	} else {
		c.metrics.failures.Add(context.Background(), 1, surfaceAttr(key))
	}
}

// Sweep releases locks held longer than StaleLockAfter, drops idle jobs from
// the arena and logs a health report.
func (c *Coordinator) Sweep() Health {
	var cleared []string

	c.mu.Lock()
	now := c.now()
	for key, j := range c.jobs {
		if j.lockHeld && now.Sub(j.lockedAt) > c.cfg.StaleLockAfter {
			j.lockHeld = false
			j.lockToken = 0
			j.attempt = 0
			c.counts.staleCleared++
			cleared = append(cleared, key)
		}
		if j.state() == StateIdle {
			delete(c.jobs, key)
		}
	}
	c.mu.Unlock()

	for _, key := range cleared {
		c.metrics.staleCleared.Add(context.Background(), 1, surfaceAttr(key))
		c.log.Warn("released stale reconcile lock", "surface", key)
	}

	h := c.Health()
	c.log.Info("sync health",
		"success_rate", h.SuccessRate,
		"cache_hit_rate", h.CacheHitRate,
		"active_locks", h.ActiveLocks,
		"scheduled", h.Scheduled,
		"retries", h.Retries,
		"dropped", h.Dropped,
	)
	return h
}

// Status reports the arena entry for one surface.
func (c *Coordinator) Status(surfaceKey string) (JobStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[surfaceKey]
	if !ok {
		return JobStatus{}, false
	}
	return j.status(), true
}

func (c *Coordinator) Jobs() []JobStatus {
	c.mu.Lock()
	out := make([]JobStatus, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.status())
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b JobStatus) int { return strings.Compare(a.SurfaceKey, b.SurfaceKey) })
	return out
}

func (j *job) status() JobStatus {
	st := JobStatus{
		SurfaceKey: j.surfaceKey,
		State:      j.state(),
		Attempt:    j.attempt,
		LockHeld:   j.lockHeld,
		LastRun:    j.lastRun,
		LastError:  j.lastError,
	}
	if j.timer != nil {
		st.ScheduledAt = j.scheduledAt
	}
	return st
}
