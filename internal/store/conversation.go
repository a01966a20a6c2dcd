package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Shasikumar10/Chat-App/internal/errs"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateConversation stores a new conversation with the creator as a
// participant and admin. A direct conversation between a pair that already
// has one is not duplicated: the existing conversation is returned with
// created=false.
func (db *DB) CreateConversation(ctx context.Context, in NewConversation) (conv *Conversation, created bool, err error) {
	if in.CreatorID == "" {
		return nil, false, errs.E(errs.InvalidArgument, "creator is required")
	}
	participants := normalizeParticipants(in.CreatorID, in.ParticipantIDs)

	var name, directKey string
	switch in.Type {
	case Group:
		name = strings.TrimSpace(in.Name)
		if name == "" {
			return nil, false, errs.E(errs.InvalidArgument, "group conversations need a name")
		}
	case Direct:
		if len(participants) != 2 {
			return nil, false, errs.E(errs.InvalidArgument, "direct conversations have exactly two participants, got %d", len(participants))
		}
		directKey = participants[0] + "\x1f" + participants[1]
	default:
		return nil, false, errs.E(errs.InvalidArgument, "unknown conversation type %q", in.Type)
	}

	var id string
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if directKey != "" {
			err := tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = ?`, directKey).Scan(&id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("find direct conversation: %w", err)
			}
		}

		id = newID()
		created = true
		now := db.clock.next()
		var key any
		if directKey != "" {
			key = directKey
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, type, name, direct_key, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, string(in.Type), name, key, in.CreatorID, now, now); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for _, uid := range participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, is_admin, joined_at)
				VALUES (?, ?, ?, ?)`,
				id, uid, uid == in.CreatorID, now); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	conv, err = db.GetConversation(ctx, id)
	return conv, created, err
}

// normalizeParticipants dedupes ids, drops blanks, adds the creator and sorts.
func normalizeParticipants(creator string, ids []string) []string {
	out := []string{creator}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

const conversationColumns = `id, type, name, created_by, last_message_id, last_message_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var (
		c       Conversation
		typ     string
		lastID  sql.NullString
		lastAt  sql.NullInt64
		created int64
		updated int64
	)
	if err := row.Scan(&c.ID, &typ, &c.Name, &c.CreatedBy, &lastID, &lastAt, &created, &updated); err != nil {
		return nil, err
	}
	c.Type = ConversationType(typ)
	c.LastMessageID = lastID.String
	if lastAt.Valid {
		t := fromMillis(lastAt.Int64)
		c.LastMessageAt = &t
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	c.Participants = []string{}
	c.Admins = []string{}
	return &c, nil
}

// GetConversation returns a conversation with its participants and admins.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, "conversation %s not found", id)
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := db.loadMembers(ctx, db, map[string]*Conversation{c.ID: c},
		`SELECT conversation_id, user_id, is_admin FROM conversation_participants
		 WHERE conversation_id = ? ORDER BY joined_at, user_id`, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (db *DB) loadMembers(ctx context.Context, q querier, byID map[string]*Conversation, query string, args ...any) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("load members: %w", err))
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var convID, userID string
		var admin bool
		if err := rows.Scan(&convID, &userID, &admin); err != nil {
			return classify(err)
		}
		c, ok := byID[convID]
		if !ok {
			continue
		}
		c.Participants = append(c.Participants, userID)
		if admin {
			c.Admins = append(c.Admins, userID)
		}
	}
	return classify(rows.Err())
}

// ListConversationsForUser returns the user's conversations, most recently active first.
func (db *DB) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.type, c.name, c.created_by, c.last_message_id, c.last_message_at, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC, c.id DESC`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("list conversations: %w", err))
	}
	var convs []*Conversation
	byID := make(map[string]*Conversation)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, classify(err)
		}
		convs = append(convs, c)
		byID[c.ID] = c
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	if len(convs) > 0 {
		if err := db.loadMembers(ctx, db, byID, `
			SELECT conversation_id, user_id, is_admin FROM conversation_participants
			WHERE conversation_id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = ?)
			ORDER BY joined_at, user_id`, userID); err != nil {
			return nil, err
		}
	}

	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, *c)
	}
	return out, nil
}

func (db *DB) conversationExists(ctx context.Context, q querier, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.E(errs.NotFound, "conversation %s not found", id)
	}
	return err
}

// AddParticipant adds userID to the conversation. Adding an existing member is a no-op.
func (db *DB) AddParticipant(ctx context.Context, conversationID, userID string) (changed bool, err error) {
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if err := db.conversationExists(ctx, tx, conversationID); err != nil {
			return err
		}
		now := db.clock.next()
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, is_admin, joined_at)
			VALUES (?, ?, 0, ?)`, conversationID, userID, now)
		if err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		if changed {
			_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
		}
		return err
	})
	return changed, err
}

// RemoveParticipant removes userID, including any admin rights. Removing a
// non-member is a no-op; removing the last participant is allowed.
func (db *DB) RemoveParticipant(ctx context.Context, conversationID, userID string) (changed bool, err error) {
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if err := db.conversationExists(ctx, tx, conversationID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
			conversationID, userID)
		if err != nil {
			return fmt.Errorf("remove participant: %w", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		if changed {
			_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, db.clock.next(), conversationID)
		}
		return err
	})
	return changed, err
}

// Membership reports whether userID participates in the conversation and
// whether they are an admin. Returns NotFound for an unknown conversation.
func (db *DB) Membership(ctx context.Context, conversationID, userID string) (member, admin bool, err error) {
	var exists bool
	var isAdmin sql.NullBool
	err = db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?),
		       (SELECT is_admin FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)`,
		conversationID, conversationID, userID).Scan(&exists, &isAdmin)
	if err != nil {
		return false, false, classify(err)
	}
	if !exists {
		return false, false, errs.E(errs.NotFound, "conversation %s not found", conversationID)
	}
	return isAdmin.Valid, isAdmin.Valid && isAdmin.Bool, nil
}

// IsParticipant reports whether userID is currently a member of the conversation.
func (db *DB) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	member, _, err := db.Membership(ctx, conversationID, userID)
	return member, err
}

// ParticipantIDs returns the conversation's members.
func (db *DB) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY joined_at, user_id`,
		conversationID)
	if err != nil {
		return nil, classify(fmt.Errorf("participants: %w", err))
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// SetLastMessage advances the conversation's last-message pointer. An older
// message never replaces a newer one.
func (db *DB) SetLastMessage(ctx context.Context, conversationID, messageID string, createdAtMillis int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = ?, last_message_at = ?, updated_at = ?
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at <= ?)`,
		messageID, createdAtMillis, createdAtMillis, conversationID, createdAtMillis)
	return classify(err)
}
