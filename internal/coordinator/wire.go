package coordinator

import (
	"context"
	"fmt"

	"marketsync/internal/events"
)

// Resolver maps a mutation to the surfaces it touches.
type Resolver interface {
	SurfacesFor(ctx context.Context, ev events.MutationEvent) ([]string, bool, error)
}

// Wire subscribes the coordinator to every catalog mutation on bus.
func Wire(bus *events.Bus, resolver Resolver, c *Coordinator) (unsubscribe func()) {
	return bus.Subscribe(events.Any, func(ctx context.Context, ev events.MutationEvent) error {
		keys, refresh, err := resolver.SurfacesFor(ctx, ev)
		if err != nil {
			return fmt.Errorf("resolve surfaces for %s: %w", ev, err)
		}
		for _, key := range keys {
			c.OnEvent(key, refresh)
		}
		return nil
	})
}
