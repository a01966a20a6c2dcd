package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReceiptResult reports what a receipt write changed.
type ReceiptResult struct {
	ConversationID string
	// Changed is true when the requested receipt was added by this call.
	Changed bool
	// DeliveredChanged is true when a read receipt also added the implied
	// delivered receipt.
	DeliveredChanged bool
}

// RecordDelivered adds userID to the message's delivered set. Repeated calls are no-ops.
func (db *DB) RecordDelivered(ctx context.Context, messageID, userID string) (ReceiptResult, error) {
	var res ReceiptResult
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		st, err := lookupMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		res.ConversationID = st.conversationID
		res.Changed, err = insertReceipt(ctx, tx, messageID, userID, Delivered)
		return err
	})
	return res, err
}

// RecordRead adds userID to the read set and, in the same transaction, to the
// delivered set, so a reader is always also a recipient.
func (db *DB) RecordRead(ctx context.Context, messageID, userID string) (ReceiptResult, error) {
	var res ReceiptResult
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		st, err := lookupMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		res.ConversationID = st.conversationID
		if res.DeliveredChanged, err = insertReceipt(ctx, tx, messageID, userID, Delivered); err != nil {
			return err
		}
		res.Changed, err = insertReceipt(ctx, tx, messageID, userID, Read)
		return err
	})
	return res, err
}

func insertReceipt(ctx context.Context, tx *sql.Tx, messageID, userID string, kind ReceiptKind) (bool, error) {
	r, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_receipts (message_id, user_id, kind, at) VALUES (?, ?, ?, ?)`,
		messageID, userID, string(kind), time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert %s receipt: %w", kind, err)
	}
	n, err := r.RowsAffected()
	return n > 0, err
}
