// Package registry remembers which remote messages currently render each UI
// surface, so a restart can still find, edit and delete them.
package registry

import (
	"context"
	"slices"
	"time"
)

// Binding links a surface (group key) to the remote messages representing it.
type Binding struct {
	GroupKey    string    `json:"group_key"`
	ChannelID   string    `json:"channel_id"`
	MessageIDs  []string  `json:"message_ids"`
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (b Binding) Clone() Binding {
	b.MessageIDs = slices.Clone(b.MessageIDs)
	return b
}

type Registry interface {
	Get(ctx context.Context, groupKey string) (Binding, bool, error)
	Put(ctx context.Context, b Binding) error
	Delete(ctx context.Context, groupKey string) error
	Keys(ctx context.Context) ([]string, error)
	// Lock serializes reconciles of one surface across every process sharing
	// the registry. It blocks until the lock is held or ctx is done.
	Lock(ctx context.Context, groupKey string) (unlock func(), err error)
}
