package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/errs"
)

// SetReaction adds (add=true) or removes the (userID, emoji) reaction on a
// message. A user holds at most one reaction per emoji; changed reports
// whether the stored set differs afterwards.
func (db *DB) SetReaction(ctx context.Context, messageID, userID, emoji string, add bool) (msg *Message, changed bool, err error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, false, errs.E(errs.InvalidArgument, "emoji is required")
	}
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lookupMessage(ctx, tx, messageID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
			messageID, userID, emoji)
		if err != nil {
			return fmt.Errorf("clear reaction: %w", err)
		}
		removed, _ := res.RowsAffected()
		if !add {
			changed = removed > 0
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
			messageID, userID, emoji, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("add reaction: %w", err)
		}
		changed = removed == 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	msg, err = db.GetMessage(ctx, messageID)
	return msg, changed, err
}
