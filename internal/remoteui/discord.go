package remoteui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// DiscordPlatform renders messages through a discordgo session. Calls are
// paced locally and rate-limit responses are surfaced as ErrRateLimited
// instead of being retried inside the client.
type DiscordPlatform struct {
	session *discordgo.Session
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewDiscordPlatform(session *discordgo.Session, perSecond float64, logger *slog.Logger) *DiscordPlatform {
	if logger == nil {
		logger = slog.Default()
	}
	if perSecond <= 0 {
		perSecond = 4
	}
	session.ShouldRetryOnRateLimit = false
	return &DiscordPlatform{
		session: session,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 2),
		log:     logger,
	}
}

var _ Platform = (*DiscordPlatform)(nil)

func (p *DiscordPlatform) CreateMessage(ctx context.Context, channelID string, msg Message) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	sent, err := p.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    msg.Content,
		Components: Components(msg),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classifyDiscord(fmt.Errorf("create message in %s: %w", channelID, err))
	}
	return sent.ID, nil
}

func (p *DiscordPlatform) EditMessage(ctx context.Context, channelID, messageID string, msg Message) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	components := Components(msg)
	edit := discordgo.NewMessageEdit(channelID, messageID).SetContent(msg.Content)
	edit.Components = &components
	if _, err := p.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return classifyDiscord(fmt.Errorf("edit message %s: %w", messageID, err))
	}
	return nil
}

func (p *DiscordPlatform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := p.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return classifyDiscord(fmt.Errorf("delete message %s: %w", messageID, err))
	}
	return nil
}

func (p *DiscordPlatform) FetchMessage(ctx context.Context, channelID, messageID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := p.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return classifyDiscord(fmt.Errorf("fetch message %s: %w", messageID, err))
	}
	return nil
}

// Components converts a message's menus into one action row per menu.
func Components(msg Message) []discordgo.MessageComponent {
	rows := make([]discordgo.MessageComponent, 0, len(msg.Menus))
	for _, menu := range msg.Menus {
		opts := make([]discordgo.SelectMenuOption, 0, len(menu.Options))
		for _, o := range menu.Options {
			opt := discordgo.SelectMenuOption{
				Label:       o.Label,
				Value:       o.Value,
				Description: o.Description,
			}
			if o.Emoji != "" {
				opt.Emoji = &discordgo.ComponentEmoji{Name: o.Emoji}
			}
			opts = append(opts, opt)
		}
		rows = append(rows, discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    menu.CustomID,
					Placeholder: menu.Placeholder,
					Options:     opts,
				},
			},
		})
	}
	return rows
}

func classifyDiscord(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return Classify(ErrRateLimited, err)
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		// Network level failure.
		return Classify(ErrTransient, err)
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMessage:
			return Classify(ErrNotFound, err)
		case discordgo.ErrCodeUnknownChannel:
			// Still matches ErrNotFound so removals treat it as already gone.
			return Classify(ErrTerminal, Classify(ErrNotFound, err))
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return Classify(ErrTerminal, err)
		}
	}
	if rest.Response == nil {
		return Classify(ErrTransient, err)
	}
	switch code := rest.Response.StatusCode; {
	case code == http.StatusNotFound:
		return Classify(ErrNotFound, err)
	case code == http.StatusTooManyRequests:
		return Classify(ErrRateLimited, err)
	case code >= 500:
		return Classify(ErrTransient, err)
	default:
		return Classify(ErrTerminal, err)
	}
}
