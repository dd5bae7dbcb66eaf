package catalog

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("catalog entity not found")
	ErrInvalidInput = errors.New("invalid catalog input")
)

type PricingUnit string

const (
	UnitFixed    PricingUnit = "fixed"
	UnitPerLevel PricingUnit = "per_level"
	UnitPerKill  PricingUnit = "per_kill"
	UnitPerItem  PricingUnit = "per_item"
	UnitPerHour  PricingUnit = "per_hour"
)

func (u PricingUnit) Valid() bool {
	switch u {
	case UnitFixed, UnitPerLevel, UnitPerKill, UnitPerItem, UnitPerHour:
		return true
	}
	return false
}

// Suffix is the short label shown after a price, e.g. "/ level".
func (u PricingUnit) Suffix() string {
	switch u {
	case UnitPerLevel:
		return "/ level"
	case UnitPerKill:
		return "/ kill"
	case UnitPerItem:
		return "/ item"
	case UnitPerHour:
		return "/ hour"
	default:
		return ""
	}
}

type ModifierType string

const (
	ModifierPercentage ModifierType = "percentage"
	ModifierFixed      ModifierType = "fixed"
)

type DisplayType string

const (
	DisplayNormal   DisplayType = "normal"
	DisplayUpcharge DisplayType = "upcharge"
	DisplayDiscount DisplayType = "discount"
	DisplayNote     DisplayType = "note"
	DisplayWarning  DisplayType = "warning"
)

// AffectsTotal is false for informational lines (notes and warnings).
func (d DisplayType) AffectsTotal() bool {
	switch d {
	case DisplayNormal, DisplayUpcharge, DisplayDiscount:
		return true
	}
	return false
}

type PricingModifier struct {
	ID          int64           `json:"id"`
	MethodID    int64           `json:"method_id"`
	Name        string          `json:"name"`
	Type        ModifierType    `json:"modifier_type"`
	Value       decimal.Decimal `json:"value"`
	DisplayType DisplayType     `json:"display_type"`
	Priority    int             `json:"priority"`
	Condition   string          `json:"condition,omitempty"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

type PricingMethod struct {
	ID        int64             `json:"id"`
	ServiceID int64             `json:"service_id"`
	Name      string            `json:"name"`
	BasePrice decimal.Decimal   `json:"base_price"`
	Unit      PricingUnit       `json:"pricing_unit"`
	Active    bool              `json:"active"`
	Modifiers []PricingModifier `json:"modifiers"`
}

type Service struct {
	ID          int64           `json:"id"`
	CategoryID  int64           `json:"category_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Emoji       string          `json:"emoji,omitempty"`
	Active      bool            `json:"active"`
	Methods     []PricingMethod `json:"pricing_methods"`
}

type Category struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	SurfaceKey string    `json:"surface_key"`
	SortOrder  int       `json:"sort_order"`
	Active     bool      `json:"active"`
	Services   []Service `json:"services"`
}

// Snapshot is the denormalized category → service → pricing method tree.
// A published snapshot is never mutated.
type Snapshot struct {
	Categories []Category `json:"categories"`
	FetchedAt  time.Time  `json:"fetched_at"`
}

// ActiveMethods returns the service's pricing methods that are not soft-deleted.
func (s Service) ActiveMethods() []PricingMethod {
	out := make([]PricingMethod, 0, len(s.Methods))
	for _, m := range s.Methods {
		if m.Active {
			out = append(out, m)
		}
	}
	return out
}

// Eligible reports whether the service can be offered: active with at least
// one active pricing method.
func (s Service) Eligible() bool {
	return s.Active && len(s.ActiveMethods()) > 0
}

// SurfaceKeys lists the distinct surface keys referenced by categories, sorted.
func (s *Snapshot) SurfaceKeys() []string {
	var keys []string
	for _, c := range s.Categories {
		if c.SurfaceKey != "" && !slices.Contains(keys, c.SurfaceKey) {
			keys = append(keys, c.SurfaceKey)
		}
	}
	slices.Sort(keys)
	return keys
}

func (s *Snapshot) Category(id int64) (Category, bool) {
	for _, c := range s.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return Category{}, false
}

func (s *Snapshot) Service(id int64) (Service, bool) {
	for _, c := range s.Categories {
		for _, svc := range c.Services {
			if svc.ID == id {
				return svc, true
			}
		}
	}
	return Service{}, false
}

func (s *Snapshot) Method(id int64) (PricingMethod, bool) {
	for _, c := range s.Categories {
		for _, svc := range c.Services {
			for _, m := range svc.Methods {
				if m.ID == id {
					return m, true
				}
			}
		}
	}
	return PricingMethod{}, false
}

// MethodByModifier finds the pricing method owning a modifier.
func (s *Snapshot) MethodByModifier(modifierID int64) (PricingMethod, bool) {
	for _, c := range s.Categories {
		for _, svc := range c.Services {
			for _, m := range svc.Methods {
				for _, mod := range m.Modifiers {
					if mod.ID == modifierID {
						return m, true
					}
				}
			}
		}
	}
	return PricingMethod{}, false
}

// SurfaceContent returns the active categories on surface key that still
// have eligible services, with ineligible services filtered out.
func (s *Snapshot) SurfaceContent(key string) []Category {
	var out []Category
	for _, c := range s.Categories {
		if !c.Active || c.SurfaceKey != key {
			continue
		}
		services := make([]Service, 0, len(c.Services))
		for _, svc := range c.Services {
			if svc.Eligible() {
				services = append(services, svc)
			}
		}
		if len(services) == 0 {
			continue
		}
		c.Services = services
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b Category) int {
		if a.SortOrder != b.SortOrder {
			return cmp.Compare(a.SortOrder, b.SortOrder)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
