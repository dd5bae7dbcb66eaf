package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// lockClass namespaces the advisory locks taken for surfaces.
const lockClass = 0x6d6b74

type PGRegistry struct {
	db *pgxpool.Pool
}

func NewPG(db *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{db: db}
}

var _ Registry = (*PGRegistry)(nil)

func (r *PGRegistry) Get(ctx context.Context, groupKey string) (Binding, bool, error) {
	b := Binding{GroupKey: groupKey}
	err := r.db.QueryRow(ctx, `
		SELECT channel_id, message_ids, content_hash, updated_at
		FROM catalog.ui_message_bindings
		WHERE group_key = $1
	`, groupKey).Scan(&b.ChannelID, &b.MessageIDs, &b.ContentHash, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, fmt.Errorf("get binding %s: %w", groupKey, err)
	}
	return b, true, nil
}

func (r *PGRegistry) Put(ctx context.Context, b Binding) error {
	if b.MessageIDs == nil {
		b.MessageIDs = []string{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO catalog.ui_message_bindings (group_key, channel_id, message_ids, content_hash, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (group_key) DO UPDATE
		SET channel_id = EXCLUDED.channel_id,
			message_ids = EXCLUDED.message_ids,
			content_hash = EXCLUDED.content_hash,
			updated_at = now()
	`, b.GroupKey, b.ChannelID, b.MessageIDs, b.ContentHash)
	if err != nil {
		return fmt.Errorf("put binding %s: %w", b.GroupKey, err)
	}
	return nil
}

func (r *PGRegistry) Delete(ctx context.Context, groupKey string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM catalog.ui_message_bindings WHERE group_key = $1`, groupKey); err != nil {
		return fmt.Errorf("delete binding %s: %w", groupKey, err)
	}
	return nil
}

func (r *PGRegistry) Keys(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT group_key FROM catalog.ui_message_bindings ORDER BY group_key`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	return keys, nil
}

// Lock takes a session-level advisory lock on a dedicated connection, so
// market-api and market-sync never reconcile the same surface at once.
func (r *PGRegistry) Lock(ctx context.Context, groupKey string) (func(), error) {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", groupKey, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1::int4, hashtext($2))`, lockClass, groupKey); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock %s: %w", groupKey, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1::int4, hashtext($2))`, lockClass, groupKey); err != nil {
				// Closing the session drops every lock it holds.
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}, nil
}
