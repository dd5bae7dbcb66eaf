// Package bot answers picks on the rendered service menus with a priced quote.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/catalog"
	"marketsync/internal/pricing"
	"marketsync/internal/surface"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"
)

var ErrUnknownMenu = errors.New("not a service menu")

type SnapshotReader interface {
	Get(ctx context.Context) (*catalog.Snapshot, error)
}

type Handler struct {
	cache   SnapshotReader
	calc    *pricing.Calculator
	log     *slog.Logger
	timeout time.Duration
}

func NewHandler(cache SnapshotReader, calc *pricing.Calculator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cache: cache, calc: calc, log: logger, timeout: 2 * time.Second}
}

// Register attaches the handler to the session and returns its remover.
func (h *Handler) Register(s *discordgo.Session) func() {
	return s.AddHandler(h.onInteraction)
}

func (h *Handler) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	text, err := h.Answer(ctx, data.CustomID, data.Values)
	if errors.Is(err, ErrUnknownMenu) {
		return
	}
	if err != nil {
		h.log.Error("quote failed", "custom_id", data.CustomID, "err", err)
		text = "Prices are unavailable right now, please try again in a moment."
	}

	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		h.log.Warn("interaction response failed", "interaction", i.ID, "err", err)
	}
}

// ParseMenuID splits a rendered menu id into its category id and part.
func ParseMenuID(customID string) (categoryID int64, part int, ok bool) {
	fields := strings.Split(customID, ":")
	if len(fields) != 3 || fields[0] != surface.MenuIDPrefix {
		return 0, 0, false
	}
	categoryID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	part, err = strconv.Atoi(fields[2])
	if err != nil || part < 1 {
		return 0, 0, false
	}
	return categoryID, part, true
}

// Answer renders the quote for the service picked on a menu.
func (h *Handler) Answer(ctx context.Context, customID string, values []string) (string, error) {
	if _, _, ok := ParseMenuID(customID); !ok {
		return "", ErrUnknownMenu
	}
	if len(values) == 0 {
		return "", fmt.Errorf("%s: no value selected", customID)
	}
	serviceID, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%s: bad service id %q", customID, values[0])
	}

	snap, err := h.cache.Get(ctx)
	if err != nil {
		return "", err
	}
	svc, ok := snap.Service(serviceID)
	if !ok || !svc.Eligible() {
		return "That service is no longer available.", nil
	}
	return h.quote(svc), nil
}

func (h *Handler) quote(svc catalog.Service) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", svc.Name)
	if svc.Description != "" {
		fmt.Fprintf(&b, "%s\n", svc.Description)
	}
	one := decimal.NewFromInt(1)
	for _, m := range svc.ActiveMethods() {
		res, err := h.calc.Compute(m, one, nil)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n• %s: **$%s**", m.Name, res.FinalPrice.StringFixed(2))
		if suffix := m.Unit.Suffix(); suffix != "" {
			b.WriteString(" " + suffix)
		}
		for _, am := range res.AppliedModifiers {
			if !am.Applied {
				continue
			}
			if am.Informational {
				fmt.Fprintf(&b, "\n  ℹ %s", am.Name)
				continue
			}
			fmt.Fprintf(&b, "\n  %s: %s", am.Name, signed(am.AppliedAmount))
		}
	}
	return b.String()
}

func signed(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "+$" + d.StringFixed(2)
}
