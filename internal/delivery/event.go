package delivery

import (
	"time"

	"github.com/Shasikumar10/Chat-App/internal/store"
)

// Outbound event types.
const (
	TypeMessageNew            = "message:new"
	TypeMessageEdited         = "message:edited"
	TypeMessageDeleted        = "message:deleted"
	TypeMessageReaction       = "message:reaction"
	TypeMessageReactionRemove = "message:reaction:remove"
	TypeMessageDelivered      = "message:delivered"
	TypeMessageRead           = "message:read"
	TypePresenceUpdate        = "presence:update"
	TypeTyping                = "typing"
)

// Event is one record pushed to a connection: a type tag and its payload.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// DeletedPayload is carried by message:deleted.
type DeletedPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	ByAdmin        bool   `json:"byAdmin,omitempty"`
}

// ReactionPayload is carried by message:reaction and message:reaction:remove.
type ReactionPayload struct {
	MessageID      string           `json:"messageId"`
	ConversationID string           `json:"conversationId"`
	UserID         string           `json:"userId"`
	Emoji          string           `json:"emoji"`
	Reactions      []store.Reaction `json:"reactions"`
}

// ReceiptPayload is carried by message:delivered and message:read.
type ReceiptPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// PresencePayload is carried by presence:update.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// TypingPayload is carried by typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// Notification is what the push collaborator receives for an offline recipient.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
