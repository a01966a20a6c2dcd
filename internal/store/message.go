package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/errs"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// AppendMessage persists a message and its attachments atomically, then
// advances the conversation's last-message pointer. The pointer update is
// best effort: its failure is logged and does not fail the append.
func (db *DB) AppendMessage(ctx context.Context, in NewMessage) (*Message, error) {
	if in.SenderID == "" {
		return nil, errs.E(errs.InvalidArgument, "sender is required")
	}
	if in.Content == "" && len(in.Attachments) == 0 {
		return nil, errs.E(errs.InvalidArgument, "message needs content or an attachment")
	}
	for i, a := range in.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return nil, errs.E(errs.InvalidArgument, "attachment %d has no url", i)
		}
	}

	msg := &Message{
		ID:             newID(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Encrypted:      in.Encrypted,
		Attachments:    slices.Clone(in.Attachments),
		Reactions:      []Reaction{},
		DeliveredTo:    []string{},
		ReadBy:         []string{},
	}
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}

	var created int64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		if err := db.conversationExists(ctx, tx, in.ConversationID); err != nil {
			return err
		}
		created = db.clock.next()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, encrypted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.SenderID, nullString(msg.Content), msg.Encrypted, created, created); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		for i, a := range msg.Attachments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_attachments (message_id, position, url, media_type, filename, size_bytes)
				VALUES (?, ?, ?, ?, ?, ?)`,
				msg.ID, i, a.URL, a.MediaType, a.Filename, a.SizeBytes); err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = fromMillis(created)
	msg.UpdatedAt = msg.CreatedAt

	if err := db.SetLastMessage(ctx, msg.ConversationID, msg.ID, created); err != nil {
		db.logger.Warn("last message pointer not updated",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	return msg, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// messageState is the subset of a message row that mutation checks need.
type messageState struct {
	conversationID string
	senderID       string
	deleted        bool
}

func lookupMessage(ctx context.Context, q querier, id string) (messageState, error) {
	var st messageState
	err := q.QueryRowContext(ctx, `SELECT conversation_id, sender_id, deleted FROM messages WHERE id = ?`, id).
		Scan(&st.conversationID, &st.senderID, &st.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return st, errs.E(errs.NotFound, "message %s not found", id)
	}
	return st, err
}

// MessageConversation returns the id of the conversation a message belongs to.
func (db *DB) MessageConversation(ctx context.Context, messageID string) (string, error) {
	st, err := lookupMessage(ctx, db, messageID)
	if err != nil {
		return "", classify(err)
	}
	return st.conversationID, nil
}

// EditMessage replaces the content of a live message. Only the sender may edit.
func (db *DB) EditMessage(ctx context.Context, messageID, byUserID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errs.E(errs.InvalidArgument, "content is required")
	}
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		st, err := lookupMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if st.deleted {
			return errs.E(errs.NotFound, "message %s was deleted", messageID)
		}
		if st.senderID != byUserID {
			return errs.E(errs.Forbidden, "only the sender can edit a message")
		}
		_, err = tx.ExecContext(ctx, `UPDATE messages SET content = ?, edited = 1, updated_at = ? WHERE id = ?`,
			content, time.Now().UnixMilli(), messageID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.GetMessage(ctx, messageID)
}

// SoftDeleteMessage tombstones a message. The sender or a privileged caller
// may delete; deleting an already deleted message succeeds with changed=false.
func (db *DB) SoftDeleteMessage(ctx context.Context, messageID, byUserID string, privileged bool) (msg *Message, changed bool, err error) {
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		st, err := lookupMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if st.senderID != byUserID && !privileged {
			return errs.E(errs.Forbidden, "only the sender can delete a message")
		}
		if st.deleted {
			return nil
		}
		tombstone := TombstoneContent
		if st.senderID != byUserID {
			tombstone = AdminTombstoneContent
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET content = ?, deleted = 1, updated_at = ? WHERE id = ?`,
			tombstone, time.Now().UnixMilli(), messageID); err != nil {
			return fmt.Errorf("tombstone: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_attachments WHERE message_id = ?`, messageID); err != nil {
			return fmt.Errorf("drop attachments: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	msg, err = db.GetMessage(ctx, messageID)
	return msg, changed, err
}

const messageColumns = `id, conversation_id, sender_id, content, encrypted, edited, deleted, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var (
		m       Message
		content sql.NullString
		created int64
		updated int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &content, &m.Encrypted, &m.Edited, &m.Deleted, &created, &updated); err != nil {
		return nil, err
	}
	m.Content = content.String
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	m.Attachments = []Attachment{}
	m.Reactions = []Reaction{}
	m.DeliveredTo = []string{}
	m.ReadBy = []string{}
	return &m, nil
}

// GetMessage returns a message with attachments, reactions and receipts.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, "message %s not found", id)
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := db.hydrate(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns up to limit messages of a conversation created strictly
// before `before` (or any time when zero), oldest first. The window is the
// newest matching messages.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if !before.IsZero() {
		q += ` AND created_at < ?`
		args = append(args, before.UnixMilli())
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := db.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return derefMessages(msgs), nil
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query messages: %w", err))
	}
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, classify(err)
		}
		msgs = append(msgs, m)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if err := db.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func derefMessages(ptrs []*Message) []Message {
	out := make([]Message, 0, len(ptrs))
	for _, m := range ptrs {
		out = append(out, *m)
	}
	return out
}

// hydrate loads attachments, reactions and receipts for msgs in three queries.
func (db *DB) hydrate(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		args = append(args, m.ID)
	}
	in := "(" + strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",") + ")"

	err := db.eachRow(ctx, func(rows *sql.Rows) error {
		var id string
		var a Attachment
		if err := rows.Scan(&id, &a.URL, &a.MediaType, &a.Filename, &a.SizeBytes); err != nil {
			return err
		}
		byID[id].Attachments = append(byID[id].Attachments, a)
		return nil
	}, `SELECT message_id, url, media_type, filename, size_bytes FROM message_attachments
		WHERE message_id IN `+in+` ORDER BY message_id, position`, args...)
	if err != nil {
		return err
	}

	err = db.eachRow(ctx, func(rows *sql.Rows) error {
		var id string
		var r Reaction
		if err := rows.Scan(&id, &r.UserID, &r.Emoji); err != nil {
			return err
		}
		byID[id].Reactions = append(byID[id].Reactions, r)
		return nil
	}, `SELECT message_id, user_id, emoji FROM message_reactions
		WHERE message_id IN `+in+` ORDER BY message_id, created_at, user_id, emoji`, args...)
	if err != nil {
		return err
	}

	return db.eachRow(ctx, func(rows *sql.Rows) error {
		var id, user, kind string
		if err := rows.Scan(&id, &user, &kind); err != nil {
			return err
		}
		m := byID[id]
		switch ReceiptKind(kind) {
		case Delivered:
			m.DeliveredTo = append(m.DeliveredTo, user)
		case Read:
			m.ReadBy = append(m.ReadBy, user)
		}
		return nil
	}, `SELECT message_id, user_id, kind FROM message_receipts
		WHERE message_id IN `+in+` ORDER BY message_id, at, user_id`, args...)
}

func (db *DB) eachRow(ctx context.Context, fn func(*sql.Rows) error, query string, args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return classify(err)
		}
	}
	return classify(rows.Err())
}
