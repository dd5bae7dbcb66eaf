// Package events carries catalog mutation notifications from the write path
// to the synchronization engine.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

type Predicate func(MutationEvent) bool

type Handler func(ctx context.Context, ev MutationEvent) error

// Any matches every event.
func Any(MutationEvent) bool { return true }

func ForEntity(types ...EntityType) Predicate {
	return func(ev MutationEvent) bool {
		return slices.Contains(types, ev.EntityType)
	}
}

func ForKind(kinds ...Kind) Predicate {
	return func(ev MutationEvent) bool {
		return slices.Contains(kinds, ev.Kind)
	}
}

type subscription struct {
	id      uint64
	match   Predicate
	handler Handler
}

// Bus fans events out synchronously to subscribers in subscription order.
// A failing or panicking handler is logged and does not stop the others.
type Bus struct {
	log    *slog.Logger
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	published atomic.Uint64
	failures  atomic.Uint64
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{log: logger}
}

// Subscribe registers handler for events matching pred (nil matches all).
// The returned func removes the subscription and is safe to call twice.
func (b *Bus) Subscribe(pred Predicate, handler Handler) func() {
	if pred == nil {
		pred = Any
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, match: pred, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

func (b *Bus) Publish(ctx context.Context, ev MutationEvent) {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range subs {
		if !s.match(ev) {
			continue
		}
		if err := b.deliver(ctx, s, ev); err != nil {
			b.failures.Add(1)
			b.log.Error("event handler failed", "event", ev.String(), "subscription", s.id, "err", err)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev MutationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns the number of published events and handler failures.
func (b *Bus) Stats() (published, failures uint64) {
	return b.published.Load(), b.failures.Load()
}
