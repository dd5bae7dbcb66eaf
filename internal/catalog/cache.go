package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"marketsync/internal/events"

	"golang.org/x/sync/singleflight"
)

// Source loads the full catalog tree.
type Source interface {
	FindCategoriesWithServicesAndPricing(ctx context.Context) (*Snapshot, error)
}

type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Fetches uint64 `json:"fetches"`
	Errors  uint64 `json:"errors"`
}

func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a read-through TTL cache over a Source. Concurrent misses share a
// single fetch, and readers only ever see fully built snapshots.
//
// Every Invalidate and RefreshNow bumps the generation. A fetch only coalesces
// with fetches of the same generation, and a snapshot from an older
// generation never replaces a newer one.
type Cache struct {
	src Source
	ttl time.Duration
	log *slog.Logger
	now func() time.Time

	current atomic.Pointer[entry]
	gen     atomic.Uint64
	group   singleflight.Group

	hits, misses, fetches, errs atomic.Uint64
}

type entry struct {
	snap *Snapshot
	gen  uint64
}

const DefaultTTL = 60 * time.Second

func NewCache(src Source, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{src: src, ttl: ttl, log: logger, now: time.Now}
}

// Get returns the cached snapshot, fetching when it is missing, expired or
// invalidated. When a refresh fails but an older snapshot exists, the older
// snapshot is served.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	if e := c.current.Load(); e != nil && e.gen == c.gen.Load() && c.now().Sub(e.snap.FetchedAt) < c.ttl {
		c.hits.Add(1)
		return e.snap, nil
	}
	c.misses.Add(1)
	snap, err := c.fetch(ctx)
	if err != nil {
		if old := c.current.Load(); old != nil {
			c.log.Warn("catalog refresh failed, serving stale snapshot", "fetched_at", old.snap.FetchedAt, "err", err)
			return old.snap, nil
		}
		return nil, err
	}
	return snap, nil
}

// Invalidate forces the next Get to refetch. Fetches already in flight are
// not joined by later callers.
func (c *Cache) Invalidate() {
	c.gen.Add(1)
}

// InvalidateOn drops the snapshot after every catalog write published on bus,
// so quotes and debounced reconciles never price from a pre-edit tree.
// Subscribe it after any handler that must resolve against the old snapshot.
func (c *Cache) InvalidateOn(bus *events.Bus) (unsubscribe func()) {
	return bus.Subscribe(events.Any, func(context.Context, events.MutationEvent) error {
		c.Invalidate()
		return nil
	})
}

// RefreshNow bypasses the TTL and returns a snapshot fetched after the call
// started, never one from a fetch that was already running.
func (c *Cache) RefreshNow(ctx context.Context) (*Snapshot, error) {
	c.gen.Add(1)
	return c.fetch(ctx)
}

func (c *Cache) fetch(ctx context.Context) (*Snapshot, error) {
	gen := c.gen.Load()
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		c.fetches.Add(1)
		// Detached so one caller's cancellation does not fail the shared fetch.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		snap, err := c.src.FindCategoriesWithServicesAndPricing(fctx)
		if err != nil {
			c.errs.Add(1)
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		if snap == nil {
			c.errs.Add(1)
			return nil, errors.New("load catalog: empty result")
		}
		if snap.FetchedAt.IsZero() {
			snap.FetchedAt = c.now()
		}
		c.publish(snap, gen)
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// publish installs snap unless a newer generation already landed.
func (c *Cache) publish(snap *Snapshot, gen uint64) {
	next := &entry{snap: snap, gen: gen}
	for {
		old := c.current.Load()
		if old != nil && old.gen > gen {
			return
		}
		if c.current.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
		Errors:  c.errs.Load(),
	}
}
