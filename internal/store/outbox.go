package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// QueuePush adds a notification for an offline user to the push outbox.
func (db *DB) QueuePush(ctx context.Context, userID, title, body string, data map[string]string) (int64, error) {
	if data == nil {
		data = map[string]string{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode push data: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO push_outbox (user_id, title, body, data, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		userID, title, body, string(payload), now, now)
	if err != nil {
		return 0, classify(fmt.Errorf("queue push: %w", err))
	}
	return res.LastInsertId()
}

// PendingPush returns up to limit queued notifications, oldest first.
func (db *DB) PendingPush(ctx context.Context, limit int) ([]PushEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, title, body, data, status, attempts, error_message, created_at
		FROM push_outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []PushEntry
	for rows.Next() {
		var (
			e       PushEntry
			data    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Body, &data, &e.Status, &e.Attempts, &e.ErrorMessage, &created); err != nil {
			return nil, classify(err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			e.Data = map[string]string{}
		}
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

// MarkPushSending claims a queued entry. It returns false if another worker
// already moved it on.
func (db *DB) MarkPushSending(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE push_outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'queued'`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkPushSent records a successful hand-off.
func (db *DB) MarkPushSent(ctx context.Context, id int64) error {
	return db.setPushStatus(ctx, id, "sent", "")
}

// MarkPushFailed records a failed hand-off with its error.
func (db *DB) MarkPushFailed(ctx context.Context, id int64, errMsg string) error {
	return db.setPushStatus(ctx, id, "failed", errMsg)
}

// MarkPushSkipped records that there was nothing to deliver to, e.g. no device token.
func (db *DB) MarkPushSkipped(ctx context.Context, id int64, reason string) error {
	return db.setPushStatus(ctx, id, "skipped", reason)
}

// RequeuePush puts a failed entry back in the queue.
func (db *DB) RequeuePush(ctx context.Context, id int64) error {
	return db.setPushStatus(ctx, id, "queued", "")
}

// RequeueStalePush puts every entry left in 'sending' back in the queue and
// returns how many moved. Only one sender owns the outbox, so at startup a
// claimed entry can only belong to a run that died mid hand-off.
func (db *DB) RequeueStalePush(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE push_outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (db *DB) setPushStatus(ctx context.Context, id int64, status, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE push_outbox SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UnixMilli(), id)
	return classify(err)
}

// PushStatus returns the current status of one outbox entry.
func (db *DB) PushStatus(ctx context.Context, id int64) (string, error) {
	var status string
	err := db.QueryRowContext(ctx, `SELECT status FROM push_outbox WHERE id = ?`, id).Scan(&status)
	return status, classify(err)
}

// PurgePush deletes finished entries last updated before cutoff and returns how many went.
func (db *DB) PurgePush(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM push_outbox WHERE status IN ('sent', 'failed', 'skipped') AND updated_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}
