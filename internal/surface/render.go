package surface

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"marketsync/internal/catalog"
	"marketsync/internal/pricing"
	"marketsync/internal/remoteui"
)

// MenuIDPrefix prefixes the custom id of every rendered service menu.
const MenuIDPrefix = "svc_select"

const defaultTitle = "Pick a service to get a quote."

// Render turns a surface's eligible categories into remote messages: one menu
// per category (split into "Name (n/m)" parts past the option cap), at most
// MaxComponentsPerMessage menus per message.
func Render(cats []catalog.Category, calc *pricing.Calculator, cfg SurfaceConfig) []remoteui.Message {
	var menus []remoteui.SelectMenu
	for _, c := range cats {
		menus = append(menus, categoryMenus(c, calc, cfg.Placeholder)...)
	}
	if len(menus) == 0 {
		return nil
	}

	title := cfg.Title
	if title == "" {
		title = defaultTitle
	}
	var msgs []remoteui.Message
	for start := 0; start < len(menus); start += remoteui.MaxComponentsPerMessage {
		end := min(start+remoteui.MaxComponentsPerMessage, len(menus))
		msg := remoteui.Message{Menus: menus[start:end]}
		if start == 0 {
			msg.Content = title
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func categoryMenus(c catalog.Category, calc *pricing.Calculator, placeholder string) []remoteui.SelectMenu {
	parts := (len(c.Services) + remoteui.MaxOptionsPerMenu - 1) / remoteui.MaxOptionsPerMenu
	menus := make([]remoteui.SelectMenu, 0, parts)
	for p := 0; p < parts; p++ {
		start := p * remoteui.MaxOptionsPerMenu
		end := min(start+remoteui.MaxOptionsPerMenu, len(c.Services))

		name := c.Name
		if parts > 1 {
			name = fmt.Sprintf("%s (%d/%d)", c.Name, p+1, parts)
		}
		ph := name
		if placeholder != "" {
			ph = placeholder + " " + name
		}
		menu := remoteui.SelectMenu{
			CustomID:    fmt.Sprintf("%s:%d:%d", MenuIDPrefix, c.ID, p+1),
			Placeholder: truncate(ph, remoteui.MaxLabelLength),
		}
		for _, svc := range c.Services[start:end] {
			menu.Options = append(menu.Options, serviceOption(svc, calc))
		}
		menus = append(menus, menu)
	}
	return menus
}

func serviceOption(svc catalog.Service, calc *pricing.Calculator) remoteui.Option {
	desc := svc.Description
	if price, unit, ok := calc.StartingPrice(svc); ok {
		desc = "from $" + price.StringFixed(2)
		if suffix := unit.Suffix(); suffix != "" {
			desc += " " + suffix
		}
	}
	return remoteui.Option{
		Label:       truncate(svc.Name, remoteui.MaxLabelLength),
		Value:       strconv.FormatInt(svc.ID, 10),
		Description: truncate(desc, remoteui.MaxDescriptionLength),
		Emoji:       svc.Emoji,
	}
}

// Fingerprint is the content hash stored on a binding. It covers the target
// channel so moving a surface forces a re-render.
func Fingerprint(channelID string, msgs []remoteui.Message) string {
	raw, _ := json.Marshal(struct {
		Channel  string             `json:"channel"`
		Messages []remoteui.Message `json:"messages"`
	}{channelID, msgs})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
