// Package pricing turns a pricing method and its conditional modifiers into
// a final price with an auditable breakdown.
package pricing

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"marketsync/internal/catalog"

	"github.com/shopspring/decimal"
)

var (
	ErrInactiveMethod  = errors.New("pricing method is inactive")
	ErrInvalidQuantity = errors.New("quantity must be > 0")
)

// ValidationError marks a malformed modifier. It is reported on the modifier
// line and never aborts a computation.
type ValidationError struct {
	ModifierID int64
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("modifier %d: %v", e.ModifierID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type AppliedModifier struct {
	ID            int64                `json:"id"`
	Name          string               `json:"name"`
	ModifierType  catalog.ModifierType `json:"modifier_type"`
	DisplayType   catalog.DisplayType  `json:"display_type"`
	Value         decimal.Decimal      `json:"value"`
	AppliedAmount decimal.Decimal      `json:"applied_amount"`
	Applied       bool                 `json:"applied"`
	Informational bool                 `json:"informational,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

type Breakdown struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	TotalModifiers decimal.Decimal `json:"total_modifiers"`
	FinalPrice     decimal.Decimal `json:"final_price"`
}

type Result struct {
	MethodID         int64             `json:"method_id"`
	Quantity         decimal.Decimal   `json:"quantity"`
	BasePrice        decimal.Decimal   `json:"base_price"`
	FinalPrice       decimal.Decimal   `json:"final_price"`
	AppliedModifiers []AppliedModifier `json:"applied_modifiers"`
	Breakdown        Breakdown         `json:"breakdown"`
}

const (
	reasonInactive     = "inactive"
	reasonConditionOff = "condition not met"
)

type Calculator struct {
	log *slog.Logger
}

func NewCalculator(logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{log: logger}
}

// Compute prices quantity units of method against the calculation context.
// Percentage modifiers compound on the running total in priority order; only
// the final price is rounded (2 places).
func (c *Calculator) Compute(method catalog.PricingMethod, quantity decimal.Decimal, ctx map[string]any) (Result, error) {
	if !quantity.IsPositive() {
		return Result{}, ErrInvalidQuantity
	}
	if !method.Active {
		return Result{}, ErrInactiveMethod
	}

	subtotal := method.BasePrice.Mul(quantityFactor(method.Unit, quantity))
	running := subtotal

	mods := slices.Clone(method.Modifiers)
	slices.SortStableFunc(mods, func(a, b catalog.PricingModifier) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	lines := make([]AppliedModifier, 0, len(mods))
	for _, m := range mods {
		line := AppliedModifier{
			ID:            m.ID,
			Name:          m.Name,
			ModifierType:  m.Type,
			DisplayType:   m.DisplayType,
			Value:         m.Value,
			AppliedAmount: decimal.Zero,
			Informational: !m.DisplayType.AffectsTotal(),
		}
		if !m.Active {
			line.Reason = reasonInactive
			lines = append(lines, line)
			continue
		}
		ok, err := c.matches(m, ctx)
		if err != nil {
			c.log.Warn("modifier skipped", "method_id", method.ID, "modifier_id", m.ID, "err", err)
			line.Reason = err.Error()
			lines = append(lines, line)
			continue
		}
		if !ok {
			line.Reason = reasonConditionOff
			lines = append(lines, line)
			continue
		}

		amount, err := appliedAmount(m, running)
		if err != nil {
			verr := &ValidationError{ModifierID: m.ID, Err: err}
			c.log.Warn("modifier skipped", "method_id", method.ID, "modifier_id", m.ID, "err", verr)
			line.Reason = err.Error()
			lines = append(lines, line)
			continue
		}
		line.AppliedAmount = amount
		line.Applied = true
		if m.DisplayType.AffectsTotal() {
			running = running.Add(amount)
		}
		lines = append(lines, line)
	}

	final := running.Round(2)
	return Result{
		MethodID:         method.ID,
		Quantity:         quantity,
		BasePrice:        subtotal,
		FinalPrice:       final,
		AppliedModifiers: lines,
		Breakdown: Breakdown{
			Subtotal:       subtotal,
			TotalModifiers: running.Sub(subtotal),
			FinalPrice:     final,
		},
	}, nil
}

func (c *Calculator) matches(m catalog.PricingModifier, ctx map[string]any) (bool, error) {
	cond, err := ParseCondition(m.Condition)
	if err != nil {
		return false, &ValidationError{ModifierID: m.ID, Err: fmt.Errorf("invalid condition: %w", err)}
	}
	return cond.Eval(ctx), nil
}

func appliedAmount(m catalog.PricingModifier, running decimal.Decimal) (decimal.Decimal, error) {
	switch m.Type {
	case catalog.ModifierPercentage:
		return running.Mul(m.Value).Shift(-2), nil
	case catalog.ModifierFixed:
		return m.Value, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown modifier type %q", m.Type)
	}
}

func quantityFactor(unit catalog.PricingUnit, quantity decimal.Decimal) decimal.Decimal {
	if unit == catalog.UnitFixed {
		return decimal.NewFromInt(1)
	}
	return quantity
}

// StartingPrice is the cheapest final price over the service's active
// methods for one unit with an empty context.
func (c *Calculator) StartingPrice(svc catalog.Service) (decimal.Decimal, catalog.PricingUnit, bool) {
	var (
		best  decimal.Decimal
		unit  catalog.PricingUnit
		found bool
	)
	one := decimal.NewFromInt(1)
	for _, m := range svc.ActiveMethods() {
		res, err := c.Compute(m, one, nil)
		if err != nil {
			continue
		}
		if !found || res.FinalPrice.LessThan(best) {
			best, unit, found = res.FinalPrice, m.Unit, true
		}
	}
	return best, unit, found
}
