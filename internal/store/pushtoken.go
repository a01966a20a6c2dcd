package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/errs"
)

// SetPushToken registers or replaces the user's device token.
func (db *DB) SetPushToken(ctx context.Context, userID, token, platform string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errs.E(errs.InvalidArgument, "token is required")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO push_tokens (user_id, token, platform, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			token = excluded.token,
			platform = excluded.platform,
			updated_at = excluded.updated_at`,
		userID, token, platform, time.Now().UnixMilli())
	return classify(err)
}

// GetPushToken returns the user's token, or nil when none is registered.
func (db *DB) GetPushToken(ctx context.Context, userID string) (*PushToken, error) {
	var (
		t       PushToken
		updated int64
	)
	err := db.QueryRowContext(ctx, `SELECT user_id, token, platform, updated_at FROM push_tokens WHERE user_id = ?`, userID).
		Scan(&t.UserID, &t.Token, &t.Platform, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
