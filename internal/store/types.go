package store

import "time"

// ConversationType distinguishes one-to-one from multi-party conversations.
type ConversationType string

const (
	Direct ConversationType = "direct"
	Group  ConversationType = "group"
)

// Conversation is a chat between a set of participants.
type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Name          string           `json:"name,omitempty"`
	CreatedBy     string           `json:"createdBy"`
	Participants  []string         `json:"participants"`
	Admins        []string         `json:"admins"`
	LastMessageID string           `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// NewConversation is the input to CreateConversation.
type NewConversation struct {
	CreatorID      string
	Type           ConversationType
	Name           string
	ParticipantIDs []string
}

// Attachment references media held by the upload service.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is a single chat message with its receipt and reaction state.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content,omitempty"`
	Encrypted      bool         `json:"encrypted"`
	Edited         bool         `json:"edited"`
	Deleted        bool         `json:"deleted"`
	Attachments    []Attachment `json:"attachments"`
	Reactions      []Reaction   `json:"reactions"`
	DeliveredTo    []string     `json:"deliveredTo"`
	ReadBy         []string     `json:"readBy"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	Attachments    []Attachment
	Encrypted      bool
}

// ReceiptKind is a per-recipient acknowledgment level.
type ReceiptKind string

const (
	Delivered ReceiptKind = "delivered"
	Read      ReceiptKind = "read"
)

// Tombstone content written over soft-deleted messages.
const (
	TombstoneContent      = "[deleted]"
	AdminTombstoneContent = "[deleted by admin]"
)

// PushEntry is a queued offline notification.
type PushEntry struct {
	ID           int64
	UserID       string
	Title        string
	Body         string
	Data         map[string]string
	Status       string // queued, sending, sent, failed, skipped
	Attempts     int
	ErrorMessage string
	CreatedAt    time.Time
}

// PushToken is the device token registered by a user.
type PushToken struct {
	UserID    string
	Token     string
	Platform  string
	UpdatedAt time.Time
}

// Counts summarises table sizes for status reporting.
type Counts struct {
	Conversations int64
	Messages      int64
	PushQueued    int64
}
