package bot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"marketsync/internal/catalog"
	"marketsync/internal/pricing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSnapshots struct {
	snap *catalog.Snapshot
	err  error
}

func (s staticSnapshots) Get(context.Context) (*catalog.Snapshot, error) { return s.snap, s.err }

func quoteSnapshot() *catalog.Snapshot {
	return &catalog.Snapshot{Categories: []catalog.Category{{
		ID: 1, Name: "Raids", SurfaceKey: "boosting", Active: true,
		Services: []catalog.Service{
			{ID: 7, CategoryID: 1, Name: "Raid carry", Active: true, Methods: []catalog.PricingMethod{{
				ID: 70, ServiceID: 7, Name: "Normal", BasePrice: decimal.RequireFromString("10.00"), Unit: catalog.UnitFixed, Active: true,
				Modifiers: []catalog.PricingModifier{
					{ID: 1, Name: "Peak hours", Type: catalog.ModifierPercentage, Value: decimal.NewFromInt(10), DisplayType: catalog.DisplayUpcharge, Priority: 1, Active: true},
					{ID: 2, Name: "Loyalty", Type: catalog.ModifierFixed, Value: decimal.NewFromInt(-2), DisplayType: catalog.DisplayDiscount, Priority: 2, Active: true},
					{ID: 3, Name: "Requires account sharing", Type: catalog.ModifierFixed, Value: decimal.Zero, DisplayType: catalog.DisplayWarning, Priority: 3, Active: true},
				},
			}}},
			{ID: 8, CategoryID: 1, Name: "Retired", Active: false},
		},
	}}}
}

func TestParseMenuID(t *testing.T) {
	cat, part, ok := ParseMenuID("svc_select:12:2")
	assert.True(t, ok)
	assert.Equal(t, int64(12), cat)
	assert.Equal(t, 2, part)

	for _, bad := range []string{"", "svc_select:x:1", "svc_select:1", "other:1:1", "svc_select:1:0"} {
		_, _, ok := ParseMenuID(bad)
		assert.False(t, ok, bad)
	}
}

func TestAnswerQuotesSelectedService(t *testing.T) {
	h := NewHandler(staticSnapshots{snap: quoteSnapshot()}, pricing.NewCalculator(nil), nil)

	text, err := h.Answer(context.Background(), "svc_select:1:1", []string{"7"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "**Raid carry**"))
	assert.Contains(t, text, "Normal: **$9.00**")
	assert.Contains(t, text, "Peak hours: +$1.00")
	assert.Contains(t, text, "Loyalty: -$2.00")
	assert.Contains(t, text, "ℹ Requires account sharing")
}

func TestAnswerEdgeCases(t *testing.T) {
	h := NewHandler(staticSnapshots{snap: quoteSnapshot()}, pricing.NewCalculator(nil), nil)
	ctx := context.Background()

	_, err := h.Answer(ctx, "ticket_close", []string{"7"})
	assert.ErrorIs(t, err, ErrUnknownMenu)

	_, err = h.Answer(ctx, "svc_select:1:1", nil)
	assert.Error(t, err)

	text, err := h.Answer(ctx, "svc_select:1:1", []string{"8"})
	require.NoError(t, err)
	assert.Equal(t, "That service is no longer available.", text)

	down := NewHandler(staticSnapshots{err: errors.New("db down")}, pricing.NewCalculator(nil), nil)
	_, err = down.Answer(ctx, "svc_select:1:1", []string{"7"})
	assert.Error(t, err)
}
