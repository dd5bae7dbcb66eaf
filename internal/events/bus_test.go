package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []string
	bus.Subscribe(nil, func(_ context.Context, _ MutationEvent) error {
		got = append(got, "first")
		return nil
	})
	bus.Subscribe(Any, func(_ context.Context, _ MutationEvent) error {
		got = append(got, "second")
		return nil
	})

	bus.Publish(context.Background(), NewMutation(KindCreated, EntityCategory, 1, 0, nil))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBusIsolatesFailingHandlers(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.Subscribe(nil, func(context.Context, MutationEvent) error { return errors.New("boom") })
	bus.Subscribe(nil, func(context.Context, MutationEvent) error { panic("worse") })
	bus.Subscribe(nil, func(context.Context, MutationEvent) error {
		calls++
		return nil
	})

	bus.Publish(context.Background(), NewMutation(KindUpdated, EntityService, 2, 1, nil))

	require.Equal(t, 1, calls)
	published, failures := bus.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(2), failures)
}

func TestBusPredicatesAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var seen []EntityType
	unsubscribe := bus.Subscribe(ForEntity(EntityPricingMethod, EntityPricingModifier), func(_ context.Context, ev MutationEvent) error {
		seen = append(seen, ev.EntityType)
		return nil
	})
	deletes := 0
	bus.Subscribe(ForKind(KindDeleted), func(context.Context, MutationEvent) error {
		deletes++
		return nil
	})

	ctx := context.Background()
	bus.Publish(ctx, NewMutation(KindUpdated, EntityCategory, 1, 0, nil))
	bus.Publish(ctx, NewMutation(KindUpdated, EntityPricingMethod, 3, 2, nil))
	bus.Publish(ctx, NewMutation(KindDeleted, EntityPricingModifier, 4, 3, nil))

	unsubscribe()
	unsubscribe()
	bus.Publish(ctx, NewMutation(KindCreated, EntityPricingModifier, 5, 3, nil))

	assert.Equal(t, []EntityType{EntityPricingMethod, EntityPricingModifier}, seen)
	assert.Equal(t, 1, deletes)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestSameEntityEventsKeepEmissionOrder(t *testing.T) {
	bus := NewBus(nil)
	var kinds []Kind
	bus.Subscribe(nil, func(_ context.Context, ev MutationEvent) error {
		kinds = append(kinds, ev.Kind)
		return nil
	})
	ctx := context.Background()
	for _, k := range []Kind{KindCreated, KindUpdated, KindUpdated, KindDeleted} {
		bus.Publish(ctx, NewMutation(k, EntityService, 9, 1, nil))
	}
	assert.Equal(t, []Kind{KindCreated, KindUpdated, KindUpdated, KindDeleted}, kinds)
}

func TestStructural(t *testing.T) {
	tests := []struct {
		name string
		ev   MutationEvent
		want bool
	}{
		{"category created", NewMutation(KindCreated, EntityCategory, 1, 0, nil), true},
		{"category renamed", NewMutation(KindUpdated, EntityCategory, 1, 0, &EntitySnapshot{Name: "x", SurfaceKey: "a"}), false},
		{"category moved", NewMutation(KindUpdated, EntityCategory, 1, 0, &EntitySnapshot{SurfaceKey: "b", PreviousSurfaceKey: "a"}), true},
		{"service deleted", NewMutation(KindDeleted, EntityService, 2, 1, nil), true},
		{"service updated", NewMutation(KindUpdated, EntityService, 2, 1, nil), false},
		{"service deactivated", NewMutation(KindUpdated, EntityService, 2, 1, &EntitySnapshot{ActiveChanged: true}), true},
		{"method created", NewMutation(KindCreated, EntityPricingMethod, 3, 2, nil), false},
		{"modifier deleted", NewMutation(KindDeleted, EntityPricingModifier, 4, 3, nil), false},
	}
	for _, tc := range tests {
		if got := tc.ev.Structural(); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
