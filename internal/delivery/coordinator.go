// Package delivery decides who receives each chat event. It never blocks on a
// connection: pushes are non-blocking enqueues and the connection layer owns
// what happens when a queue is full.
package delivery

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/bus"
	"github.com/Shasikumar10/Chat-App/internal/metrics"
	"github.com/Shasikumar10/Chat-App/internal/store"
	"go.uber.org/zap"
)

// Pusher enqueues an event on one connection. It returns false if the
// connection is gone or could not take the event.
type Pusher interface {
	Push(connID string, evt Event) bool
}

// Notifier hands a notification to the offline push collaborator.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Presence is the read side of the presence registry.
type Presence interface {
	ConnectionsInRoom(conversationID string) []string
	Connections() []string
	IsOnline(userID string) bool
	LastSeen(userID string) (time.Time, bool)
}

// MutationKind selects the event issued by OnMessageMutated.
type MutationKind int

const (
	Edited MutationKind = iota
	Deleted
	ReactionAdded
	ReactionRemoved
)

// ReactionDelta names the reaction that changed.
type ReactionDelta struct {
	UserID string
	Emoji  string
}

const stripes = 64

// Coordinator fans events out to connections and triggers offline pushes.
// Events for one room are issued under that room's stripe lock, so every
// connection receives a room's events in the order they were issued.
type Coordinator struct {
	presence Presence
	pusher   Pusher
	notifier Notifier
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	roomLocks [stripes]sync.Mutex
	globalMu  sync.Mutex
}

// NewCoordinator wires a coordinator. notifier, b and m may be nil.
func NewCoordinator(p Presence, pusher Pusher, notifier Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		presence: p,
		pusher:   pusher,
		notifier: notifier,
		bus:      b,
		metrics:  m,
		logger:   logger,
	}
}

func (c *Coordinator) roomLock(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &c.roomLocks[h.Sum32()%stripes]
}

// toRoom pushes evt to every connection joined to the room except skip.
func (c *Coordinator) toRoom(conversationID, skip string, evt Event) int {
	mu := c.roomLock(conversationID)
	mu.Lock()
	defer mu.Unlock()
	return c.fanOut(c.presence.ConnectionsInRoom(conversationID), skip, evt)
}

func (c *Coordinator) fanOut(conns []string, skip string, evt Event) int {
	delivered := 0
	for _, id := range conns {
		if id == skip {
			continue
		}
		if c.pusher.Push(id, evt) {
			delivered++
			c.metrics.EventIssued(evt.Type)
		} else {
			c.metrics.EventDropped(evt.Type)
		}
	}
	c.bus.Emit(bus.EventPrefix+evt.Type, evt)
	return delivered
}

// OnMessageCreated issues message:new to the room and notifies every
// participant other than the sender who has no live connection. senderName
// titles the notification when known.
func (c *Coordinator) OnMessageCreated(ctx context.Context, msg *store.Message, participantIDs []string, senderName string) {
	c.toRoom(msg.ConversationID, "", Event{Type: TypeMessageNew, Payload: msg})

	if c.notifier == nil {
		return
	}
	for _, uid := range participantIDs {
		if uid == msg.SenderID || c.presence.IsOnline(uid) {
			continue
		}
		n := notificationFor(msg, senderName)
		if err := c.notifier.Notify(ctx, uid, n); err != nil {
			c.metrics.Notification("error")
			c.logger.Warn("offline notification failed",
				zap.String("user_id", uid),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			continue
		}
		c.metrics.Notification("queued")
	}
}

func notificationFor(msg *store.Message, senderName string) Notification {
	title := senderName
	if title == "" {
		title = "New message"
	}
	body := msg.Content
	if body == "" || msg.Encrypted {
		body = "Sent you a message"
	}
	return Notification{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"conversationId": msg.ConversationID,
			"messageId":      msg.ID,
			"senderId":       msg.SenderID,
		},
	}
}

// OnMessageMutated issues the edited, deleted or reaction event for msg.
// Mutations never trigger offline pushes.
func (c *Coordinator) OnMessageMutated(_ context.Context, msg *store.Message, kind MutationKind, actorID string, delta ReactionDelta) {
	var evt Event
	switch kind {
	case Edited:
		evt = Event{Type: TypeMessageEdited, Payload: msg}
	case Deleted:
		evt = Event{Type: TypeMessageDeleted, Payload: DeletedPayload{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			ByAdmin:        actorID != msg.SenderID,
		}}
	case ReactionAdded, ReactionRemoved:
		typ := TypeMessageReaction
		if kind == ReactionRemoved {
			typ = TypeMessageReactionRemove
		}
		evt = Event{Type: typ, Payload: ReactionPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			UserID:         delta.UserID,
			Emoji:          delta.Emoji,
			Reactions:      msg.Reactions,
		}}
	default:
		c.logger.Error("unknown mutation kind", zap.Int("kind", int(kind)))
		return
	}
	c.toRoom(msg.ConversationID, "", evt)
}

// OnReceipt issues message:delivered or message:read, but only when the
// store reported that the receipt set actually grew.
func (c *Coordinator) OnReceipt(_ context.Context, messageID, conversationID, userID string, kind store.ReceiptKind, changed bool) {
	if !changed {
		return
	}
	typ := TypeMessageDelivered
	if kind == store.Read {
		typ = TypeMessageRead
	}
	c.toRoom(conversationID, "", Event{Type: typ, Payload: ReceiptPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         userID,
	}})
}

// OnPresenceChange tells every connected client that userID came online or
// went offline. The registry is read again under the broadcast lock, so when
// an unbind and a bind for the same user race, the last update issued
// matches the registry rather than whichever caller arrived last. online and
// lastSeen are what the caller observed; lastSeen is used when the registry
// has no record.
func (c *Coordinator) OnPresenceChange(_ context.Context, userID string, online bool, lastSeen time.Time) {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()

	current := c.presence.IsOnline(userID)
	if current != online {
		c.logger.Debug("presence changed before broadcast",
			zap.String("user_id", userID), zap.Bool("reported", online), zap.Bool("current", current))
	}
	p := PresencePayload{UserID: userID, Online: current}
	if !current {
		if t, ok := c.presence.LastSeen(userID); ok {
			p.LastSeen = &t
		} else if !lastSeen.IsZero() {
			p.LastSeen = &lastSeen
		}
	}
	c.fanOut(c.presence.Connections(), "", Event{Type: TypePresenceUpdate, Payload: p})
}

// OnTyping relays a typing signal to the room, skipping the connection it came from.
func (c *Coordinator) OnTyping(_ context.Context, conversationID, userID string, typing bool, originConnID string) {
	c.toRoom(conversationID, originConnID, Event{Type: TypeTyping, Payload: TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	}})
}
