package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSetting reads a business setting from the durable store. The second
// return is false when the key has never been written.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get setting: %w", err)
	}
	return value, true, nil
}

// SetSetting upserts a business setting.
func (r *Repository) SetSetting(ctx context.Context, key, value string, now time.Time) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, key, value, now); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
