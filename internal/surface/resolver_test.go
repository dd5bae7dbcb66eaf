package surface

import (
	"context"
	"errors"
	"testing"

	"marketsync/internal/catalog"
	"marketsync/internal/events"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolverSnapshot() *catalog.Snapshot {
	snap := boostingSnapshot()
	snap.Categories[0].Services[0].Methods[0].Modifiers = []catalog.PricingModifier{
		{ID: 900, MethodID: 110, Type: catalog.ModifierFixed, Value: decimal.NewFromInt(1), DisplayType: catalog.DisplayNormal, Active: true},
	}
	return snap
}

func TestResolverPlacesEachEntityType(t *testing.T) {
	tests := []struct {
		name string
		ev   events.MutationEvent
		want []string
	}{
		{"category", events.NewMutation(events.KindUpdated, events.EntityCategory, 2, 0, nil), []string{"accounts"}},
		{"service by parent", events.NewMutation(events.KindUpdated, events.EntityService, 99, 1, nil), []string{"boosting"}},
		{"service by lookup", events.NewMutation(events.KindUpdated, events.EntityService, 21, 0, nil), []string{"accounts"}},
		{"method", events.NewMutation(events.KindUpdated, events.EntityPricingMethod, 120, 12, nil), []string{"boosting"}},
		{"modifier by parent", events.NewMutation(events.KindUpdated, events.EntityPricingModifier, 901, 210, nil), []string{"accounts"}},
		{"modifier by lookup", events.NewMutation(events.KindDeleted, events.EntityPricingModifier, 900, 0, nil), []string{"boosting"}},
		{"category moved", events.NewMutation(events.KindUpdated, events.EntityCategory, 2, 0,
			&events.EntitySnapshot{SurfaceKey: "vip", PreviousSurfaceKey: "accounts", Active: true}), []string{"accounts", "vip"}},
		{"service moved category", events.NewMutation(events.KindUpdated, events.EntityService, 21, 1,
			&events.EntitySnapshot{Active: true, ActiveChanged: true}), []string{"accounts", "boosting"}},
	}
	for _, tc := range tests {
		r := NewResolver(&stubSnapshots{snap: resolverSnapshot()}, nil, nil)
		got, _, err := r.SurfacesFor(context.Background(), tc.ev)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestResolverFansOutUnplacedEvents(t *testing.T) {
	layout := &Layout{Surfaces: map[string]SurfaceConfig{"promo": {}}}
	r := NewResolver(&stubSnapshots{snap: resolverSnapshot()}, layout, nil)

	ev := events.NewMutation(events.KindCreated, events.EntityService, 500, 77, nil)
	got, refresh, err := r.SurfacesFor(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, refresh)
	assert.Equal(t, []string{"accounts", "boosting", "promo"}, got)
}

func TestResolverInvalidatesOnStructuralEvents(t *testing.T) {
	cache := &stubSnapshots{snap: resolverSnapshot()}
	r := NewResolver(cache, nil, nil)
	ctx := context.Background()

	_, refresh, err := r.SurfacesFor(ctx, events.NewMutation(events.KindUpdated, events.EntityPricingMethod, 110, 11, nil))
	require.NoError(t, err)
	assert.False(t, refresh)
	assert.Equal(t, 0, cache.invalidations)

	_, refresh, err = r.SurfacesFor(ctx, events.NewMutation(events.KindDeleted, events.EntityService, 11, 1, nil))
	require.NoError(t, err)
	assert.True(t, refresh)
	assert.Equal(t, 1, cache.invalidations)
}

func TestResolverFallsBackToEventPayload(t *testing.T) {
	cache := &stubSnapshots{err: errors.New("db down")}
	r := NewResolver(cache, nil, nil)
	ctx := context.Background()

	got, refresh, err := r.SurfacesFor(ctx, events.NewMutation(events.KindCreated, events.EntityCategory, 3, 0,
		&events.EntitySnapshot{Name: "New", SurfaceKey: "fresh", Active: true}))
	require.NoError(t, err)
	assert.True(t, refresh)
	assert.Equal(t, []string{"fresh"}, got)

	_, _, err = r.SurfacesFor(ctx, events.NewMutation(events.KindUpdated, events.EntityPricingMethod, 1, 1, nil))
	require.Error(t, err)
}
