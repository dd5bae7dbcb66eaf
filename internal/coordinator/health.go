package coordinator

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type counters struct {
	events       uint64
	successes    uint64
	failures     uint64
	retries      uint64
	dropped      uint64
	staleCleared uint64
}

// Health is the aggregate report logged by every sweep and served by the API.
type Health struct {
	SuccessRate       float64 `json:"success_rate"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	ActiveLocks       int     `json:"active_locks"`
	Scheduled         int     `json:"scheduled"`
	Jobs              int     `json:"jobs"`
	Events            uint64  `json:"events"`
	Successes         uint64  `json:"successes"`
	Failures          uint64  `json:"failures"`
	Retries           uint64  `json:"retries"`
	Dropped           uint64  `json:"dropped"`
	StaleLocksCleared uint64  `json:"stale_locks_cleared"`
}

func (c *Coordinator) Health() Health {
	c.mu.Lock()
	h := Health{
		Jobs:              len(c.jobs),
		Events:            c.counts.events,
		Successes:         c.counts.successes,
		Failures:          c.counts.failures,
		Retries:           c.counts.retries,
		Dropped:           c.counts.dropped,
		StaleLocksCleared: c.counts.staleCleared,
	}
	for _, j := range c.jobs {
		if j.lockHeld {
			h.ActiveLocks++
		}
		if j.timer != nil {
			h.Scheduled++
		}
	}
	c.mu.Unlock()

	h.SuccessRate = 1
	if total := h.Successes + h.Failures; total > 0 {
		h.SuccessRate = float64(h.Successes) / float64(total)
	}
	if c.cache != nil {
		h.CacheHitRate = c.cache.Stats().HitRate()
	}
	return h
}

type instruments struct {
	successes    metric.Int64Counter
	failures     metric.Int64Counter
	retries      metric.Int64Counter
	dropped      metric.Int64Counter
	staleCleared metric.Int64Counter
}

func newInstruments(logger *slog.Logger) instruments {
	meter := otel.Meter("marketsync/coordinator")
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Warn("metric instrument unavailable", "metric", name, "err", err)
			return noop.Int64Counter{}
		}
		return c
	}
	return instruments{
		successes:    counter("marketsync.reconcile.successes", "Reconciliation cycles that settled successfully"),
		failures:     counter("marketsync.reconcile.failures", "Reconciliation cycles abandoned after a terminal error or exhausted retries"),
		retries:      counter("marketsync.reconcile.retries", "Reconciliation retries after a transient failure"),
		dropped:      counter("marketsync.reconcile.dropped", "Timer fires dropped because the surface lock was held"),
		staleCleared: counter("marketsync.reconcile.stale_locks_cleared", "Locks released by the cleanup sweep"),
	}
}

func surfaceAttr(key string) metric.AddOption {
	return metric.WithAttributes(attribute.String("surface", key))
}
