package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

type EntityType string

const (
	EntityCategory        EntityType = "category"
	EntityService         EntityType = "service"
	EntityPricingMethod   EntityType = "pricing_method"
	EntityPricingModifier EntityType = "pricing_modifier"
)

// EntitySnapshot carries the post-write state of the entity that matters to
// surface resolution. For deletes it holds the last known state.
type EntitySnapshot struct {
	Name       string `json:"name"`
	SurfaceKey string `json:"surface_key,omitempty"`
	Active     bool   `json:"active"`
	// PreviousSurfaceKey is set when a category update moved it between surfaces.
	PreviousSurfaceKey string `json:"previous_surface_key,omitempty"`
	// ActiveChanged is set when an update flipped the active flag or moved a
	// service to another category.
	ActiveChanged bool `json:"active_changed,omitempty"`
}

// MutationEvent is published by the catalog write path after every successful
// create, update or delete. ParentID is 0 for categories.
type MutationEvent struct {
	ID         uuid.UUID       `json:"id"`
	Kind       Kind            `json:"kind"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	ParentID   int64           `json:"parent_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Snapshot   *EntitySnapshot `json:"snapshot,omitempty"`
}

func NewMutation(kind Kind, entity EntityType, entityID, parentID int64, snap *EntitySnapshot) MutationEvent {
	return MutationEvent{
		ID:         uuid.New(),
		Kind:       kind,
		EntityType: entity,
		EntityID:   entityID,
		ParentID:   parentID,
		Timestamp:  time.Now().UTC(),
		Snapshot:   snap,
	}
}

// Structural reports whether the event changes which entities a surface shows,
// as opposed to a pure pricing edit.
func (e MutationEvent) Structural() bool {
	switch e.EntityType {
	case EntityCategory:
		if e.Kind != KindUpdated {
			return true
		}
		if e.Snapshot == nil {
			return false
		}
		moved := e.Snapshot.PreviousSurfaceKey != "" && e.Snapshot.PreviousSurfaceKey != e.Snapshot.SurfaceKey
		return moved || e.Snapshot.ActiveChanged
	case EntityService:
		return e.Kind != KindUpdated || (e.Snapshot != nil && e.Snapshot.ActiveChanged)
	default:
		return false
	}
}

func (e MutationEvent) String() string {
	return fmt.Sprintf("%s %s#%d", e.Kind, e.EntityType, e.EntityID)
}
