package store

import (
	"context"
	"strings"

	"github.com/Shasikumar10/Chat-App/internal/errs"
)

// SearchQuery filters SearchMessages.
type SearchQuery struct {
	Text string
	// UserID, when set, limits results to conversations the user belongs to.
	UserID string
	// ConversationID, when set, limits results to one conversation.
	ConversationID string
	Limit          int
}

// SearchMessages returns live, unencrypted messages whose content contains
// the query text, ignoring case, newest first.
func (db *DB) SearchMessages(ctx context.Context, sq SearchQuery) ([]Message, error) {
	text := strings.TrimSpace(sq.Text)
	if text == "" {
		return nil, errs.E(errs.InvalidArgument, "search text is required")
	}
	limit := sq.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	q := `SELECT ` + messageColumns + ` FROM messages m
		WHERE m.deleted = 0 AND m.encrypted = 0
		  AND instr(casefold(COALESCE(m.content, '')), ?) > 0`
	args := []any{strings.ToLower(text)}
	if sq.UserID != "" {
		q += ` AND m.conversation_id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = ?)`
		args = append(args, sq.UserID)
	}
	if sq.ConversationID != "" {
		q += ` AND m.conversation_id = ?`
		args = append(args, sq.ConversationID)
	}
	q += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := db.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return derefMessages(msgs), nil
}
