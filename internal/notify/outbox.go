// Package notify hands notifications for offline users to the external push
// service. Notify only queues a row; a Sender drains the queue in the
// background so a slow push service never holds up a send.
package notify

import (
	"context"

	"github.com/Shasikumar10/Chat-App/internal/delivery"
	"github.com/Shasikumar10/Chat-App/internal/store"
)

// Outbox implements delivery.Notifier on top of the store's push_outbox table.
type Outbox struct {
	db *store.DB
}

func NewOutbox(db *store.DB) *Outbox {
	return &Outbox{db: db}
}

var _ delivery.Notifier = (*Outbox)(nil)

func (o *Outbox) Notify(ctx context.Context, userID string, n delivery.Notification) error {
	_, err := o.db.QueuePush(ctx, userID, n.Title, n.Body, n.Data)
	return err
}
