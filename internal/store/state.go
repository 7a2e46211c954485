package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SetState records a key/value checkpoint.
func (qs *Queries) SetState(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// GetState returns a checkpoint value, or "" when the key is unset.
func (qs *Queries) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := qs.q.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}
