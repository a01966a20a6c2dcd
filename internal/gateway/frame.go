package gateway

import "encoding/json"

// Inbound frame types.
const (
	frameAuth      = "auth"
	frameJoin      = "join"
	frameLeave     = "leave"
	frameTyping    = "typing"
	frameDelivered = "delivered"
	frameRead      = "read"
)

// Control frame types sent only by the gateway.
const (
	TypeAuthOK = "auth:ok"
	TypeError  = "error"
)

// inbound is a client frame. Any userId in the payload is ignored; the
// connection's bound identity is used instead.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authPayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type ackPayload struct {
	MessageID string `json:"messageId"`
}

// AuthOK is the payload of auth:ok.
type AuthOK struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// ErrorPayload is the payload of an error frame. Ref names the inbound frame
// type that caused it.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// frameLabel bounds the metric label set to the known frame types.
func frameLabel(t string) string {
	switch t {
	case frameAuth, frameJoin, frameLeave, frameTyping, frameDelivered, frameRead:
		return t
	default:
		return "unknown"
	}
}
