package bus

import "time"

// Event is a single record on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published outside the delivery path.
const (
	KindStatusChanged = "server.status_changed"
	KindPushSent      = "push.sent"
	KindPushFailed    = "push.failed"
	KindPushSkipped   = "push.skipped"
	KindPushPurged    = "push.purged"
)

// EventPrefix namespaces the chat events issued to connections.
const EventPrefix = "event."
