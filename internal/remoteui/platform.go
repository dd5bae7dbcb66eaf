// Package remoteui defines the chat-platform collaborator the synchronizer
// renders into, and its error taxonomy.
package remoteui

import (
	"context"
	"errors"
)

// Option is one entry of a select menu.
type Option struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
}

// SelectMenu is a single interactive component.
type SelectMenu struct {
	CustomID    string   `json:"custom_id"`
	Placeholder string   `json:"placeholder"`
	Options     []Option `json:"options"`
}

// Message is the desired content of one remote message.
type Message struct {
	Content string       `json:"content"`
	Menus   []SelectMenu `json:"menus"`
}

// Platform limits enforced by the remote side.
const (
	MaxComponentsPerMessage = 5
	MaxOptionsPerMenu       = 25
	MaxLabelLength          = 100
	MaxDescriptionLength    = 100
)

type Platform interface {
	CreateMessage(ctx context.Context, channelID string, msg Message) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, msg Message) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	FetchMessage(ctx context.Context, channelID, messageID string) error
}

var (
	// ErrNotFound means the remote message (or channel) no longer exists.
	ErrNotFound = errors.New("remote entity not found")
	// ErrRateLimited is retryable throttling.
	ErrRateLimited = errors.New("remote platform rate limited")
	// ErrTransient covers timeouts and remote 5xx responses.
	ErrTransient = errors.New("transient remote error")
	// ErrTerminal needs operator intervention (permissions, missing access).
	ErrTerminal = errors.New("terminal remote error")
)

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.kind.Error() + ": " + c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }

// Classify tags err with kind while keeping it inspectable with errors.Is/As.
func Classify(kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// IsTransient reports whether err is worth retrying. Rate limits, timeouts
// and unclassified failures are; terminal errors and cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrTerminal) && !errors.Is(err, context.Canceled)
}
