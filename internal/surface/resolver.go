package surface

import (
	"context"
	"log/slog"
	"slices"

	"marketsync/internal/catalog"
	"marketsync/internal/events"
)

// Resolver maps catalog mutations to the surfaces they affect.
type Resolver struct {
	cache  Snapshots
	layout *Layout
	log    *slog.Logger
}

func NewResolver(cache Snapshots, layout *Layout, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if layout == nil {
		layout = &Layout{}
	}
	return &Resolver{cache: cache, layout: layout, log: logger}
}

// SurfacesFor returns the surface keys touched by ev and whether the next
// reconcile must bypass the cache TTL. Structural events invalidate the cache
// once resolution is done. An event that cannot be placed fans out to every
// known surface.
func (r *Resolver) SurfacesFor(ctx context.Context, ev events.MutationEvent) ([]string, bool, error) {
	refresh := ev.Structural()
	if refresh {
		defer r.cache.Invalidate()
	}

	var keys []string
	if ev.Snapshot != nil {
		keys = appendKey(keys, ev.Snapshot.SurfaceKey)
		keys = appendKey(keys, ev.Snapshot.PreviousSurfaceKey)
	}

	snap, err := r.cache.Get(ctx)
	if err != nil {
		if len(keys) > 0 {
			r.log.Warn("resolving from event payload only", "event", ev.String(), "err", err)
			return keys, refresh, nil
		}
		return nil, refresh, err
	}

	keys = append(keys, resolve(snap, ev)...)
	if len(keys) == 0 {
		r.log.Debug("event not placed, fanning out", "event", ev.String())
		keys = append(slices.Clone(snap.SurfaceKeys()), r.layout.Keys()...)
	}
	slices.Sort(keys)
	return slices.Compact(keys), refresh, nil
}

func resolve(snap *catalog.Snapshot, ev events.MutationEvent) []string {
	var keys []string
	switch ev.EntityType {
	case events.EntityCategory:
		keys = appendKey(keys, categorySurface(snap, ev.EntityID))
	case events.EntityService:
		keys = appendKey(keys, categorySurface(snap, ev.ParentID))
		if svc, ok := snap.Service(ev.EntityID); ok {
			// Previous parent when the service changed category.
			keys = appendKey(keys, categorySurface(snap, svc.CategoryID))
		}
	case events.EntityPricingMethod:
		keys = appendKey(keys, serviceSurface(snap, ev.ParentID))
		if m, ok := snap.Method(ev.EntityID); ok {
			keys = appendKey(keys, serviceSurface(snap, m.ServiceID))
		}
	case events.EntityPricingModifier:
		methodID := ev.ParentID
		if methodID == 0 {
			if m, ok := snap.MethodByModifier(ev.EntityID); ok {
				methodID = m.ID
			}
		}
		if m, ok := snap.Method(methodID); ok {
			keys = appendKey(keys, serviceSurface(snap, m.ServiceID))
		}
	}
	return keys
}

func categorySurface(snap *catalog.Snapshot, id int64) string {
	if c, ok := snap.Category(id); ok {
		return c.SurfaceKey
	}
	return ""
}

func serviceSurface(snap *catalog.Snapshot, id int64) string {
	if svc, ok := snap.Service(id); ok {
		return categorySurface(snap, svc.CategoryID)
	}
	return ""
}

func appendKey(keys []string, key string) []string {
	if key == "" || slices.Contains(keys, key) {
		return keys
	}
	return append(keys, key)
}
