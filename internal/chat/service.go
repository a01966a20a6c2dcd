// Package chat runs the request/response write path: every mutation is
// persisted through the store first and only then handed to the delivery
// coordinator. A failed fan-out never undoes a committed write.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/auth"
	"github.com/Shasikumar10/Chat-App/internal/delivery"
	"github.com/Shasikumar10/Chat-App/internal/errs"
	"github.com/Shasikumar10/Chat-App/internal/metrics"
	"github.com/Shasikumar10/Chat-App/internal/presence"
	"github.com/Shasikumar10/Chat-App/internal/store"
	"go.uber.org/zap"
)

// Service is shared by the HTTP API and the gateway's inbound frames.
type Service struct {
	db       *store.DB
	coord    *delivery.Coordinator
	registry *presence.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService creates a chat service. m may be nil.
func NewService(db *store.DB, coord *delivery.Coordinator, registry *presence.Registry, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{db: db, coord: coord, registry: registry, metrics: m, logger: logger}
}

// CreateConversationInput is the body of a create request.
type CreateConversationInput struct {
	Type         store.ConversationType `json:"type"`
	Name         string                 `json:"name"`
	Participants []string               `json:"participants"`
}

// CreateConversation creates a conversation with the caller as creator and
// admin. For a direct pair that already has a conversation, the existing one
// is returned with created=false.
func (s *Service) CreateConversation(ctx context.Context, id auth.Identity, in CreateConversationInput) (*store.Conversation, bool, error) {
	if in.Type == "" {
		in.Type = store.Group
	}
	conv, created, err := s.db.CreateConversation(ctx, store.NewConversation{
		CreatorID:      id.UserID,
		Type:           in.Type,
		Name:           in.Name,
		ParticipantIDs: in.Participants,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("type", string(conv.Type)),
			zap.Int("participants", len(conv.Participants)))
	}
	return conv, created, nil
}

// GetConversation returns a conversation the caller participates in.
func (s *Service) GetConversation(ctx context.Context, id auth.Identity, conversationID string) (*store.Conversation, error) {
	if err := s.requireMember(ctx, id, conversationID); err != nil {
		return nil, err
	}
	return s.db.GetConversation(ctx, conversationID)
}

// ListConversations returns the caller's conversations, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, id auth.Identity) ([]store.Conversation, error) {
	return s.db.ListConversationsForUser(ctx, id.UserID)
}

// AddParticipant adds userID to a group conversation. Only admins of the
// conversation, or privileged callers, may add.
func (s *Service) AddParticipant(ctx context.Context, id auth.Identity, conversationID, userID string) (*store.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.E(errs.InvalidArgument, "userId is required")
	}
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type == store.Direct {
		return nil, errs.E(errs.InvalidArgument, "direct conversations have fixed participants")
	}
	if err := s.requireAdmin(ctx, id, conversationID); err != nil {
		return nil, err
	}
	if _, err := s.db.AddParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.db.GetConversation(ctx, conversationID)
}

// RemoveParticipant removes userID from a group conversation. Admins may
// remove anyone and every participant may remove themselves. The removed
// user's connections leave the room immediately.
func (s *Service) RemoveParticipant(ctx context.Context, id auth.Identity, conversationID, userID string) (*store.Conversation, error) {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type == store.Direct {
		return nil, errs.E(errs.InvalidArgument, "direct conversations have fixed participants")
	}
	if userID != id.UserID {
		if err := s.requireAdmin(ctx, id, conversationID); err != nil {
			return nil, err
		}
	}
	changed, err := s.db.RemoveParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if changed && s.registry != nil {
		if conns := s.registry.LeaveUser(userID, conversationID); len(conns) > 0 {
			s.logger.Debug("evicted connections from room",
				zap.String("conversation_id", conversationID),
				zap.String("user_id", userID),
				zap.Int("connections", len(conns)))
		}
	}
	return s.db.GetConversation(ctx, conversationID)
}

// SendInput is the body of a send request.
type SendInput struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	Attachments    []store.Attachment `json:"attachments"`
	Encrypted      bool               `json:"encrypted"`
}

// Send persists a message and fans it out. A send to an unknown conversation
// fails with NotFound and issues nothing.
func (s *Service) Send(ctx context.Context, id auth.Identity, in SendInput) (*store.Message, error) {
	if in.ConversationID == "" {
		return nil, errs.E(errs.InvalidArgument, "conversationId is required")
	}
	if err := s.requireMember(ctx, id, in.ConversationID); err != nil {
		return nil, err
	}
	msg, err := s.db.AppendMessage(ctx, store.NewMessage{
		ConversationID: in.ConversationID,
		SenderID:       id.UserID,
		Content:        in.Content,
		Attachments:    in.Attachments,
		Encrypted:      in.Encrypted,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.MessageStored()

	// The message is committed; a client hanging up must not cancel its fan-out.
	ctx = context.WithoutCancel(ctx)
	participants, err := s.db.ParticipantIDs(ctx, msg.ConversationID)
	if err != nil {
		// Room fan-out still happens; only offline pushes are lost.
		s.logger.Warn("participants lookup failed after send",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	s.coord.OnMessageCreated(ctx, msg, participants, id.DisplayName)
	return msg, nil
}

// Edit replaces the content of the caller's own message. The caller must
// still be a participant of the message's conversation.
func (s *Service) Edit(ctx context.Context, id auth.Identity, messageID, content string) (*store.Message, error) {
	if _, err := s.requireMessageMember(ctx, id, messageID); err != nil {
		return nil, err
	}
	msg, err := s.db.EditMessage(ctx, messageID, id.UserID, content)
	if err != nil {
		return nil, err
	}
	s.coord.OnMessageMutated(ctx, msg, delivery.Edited, id.UserID, delivery.ReactionDelta{})
	return msg, nil
}

// Delete tombstones a message. Privileged callers may delete any message.
// Deleting an already deleted message succeeds without a new event.
func (s *Service) Delete(ctx context.Context, id auth.Identity, messageID string) (*store.Message, error) {
	msg, changed, err := s.db.SoftDeleteMessage(ctx, messageID, id.UserID, id.Privileged)
	if err != nil {
		return nil, err
	}
	if changed {
		s.coord.OnMessageMutated(ctx, msg, delivery.Deleted, id.UserID, delivery.ReactionDelta{})
	}
	return msg, nil
}

// React adds or removes the caller's emoji on a message.
func (s *Service) React(ctx context.Context, id auth.Identity, messageID, emoji string, add bool) (*store.Message, error) {
	if _, err := s.requireMessageMember(ctx, id, messageID); err != nil {
		return nil, err
	}
	msg, changed, err := s.db.SetReaction(ctx, messageID, id.UserID, emoji, add)
	if err != nil {
		return nil, err
	}
	if changed {
		kind := delivery.ReactionAdded
		if !add {
			kind = delivery.ReactionRemoved
		}
		s.coord.OnMessageMutated(ctx, msg, kind, id.UserID, delivery.ReactionDelta{UserID: id.UserID, Emoji: strings.TrimSpace(emoji)})
	}
	return msg, nil
}

// MarkDelivered records a delivery receipt for the caller.
func (s *Service) MarkDelivered(ctx context.Context, id auth.Identity, messageID string) (bool, error) {
	if _, err := s.requireMessageMember(ctx, id, messageID); err != nil {
		return false, err
	}
	res, err := s.db.RecordDelivered(ctx, messageID, id.UserID)
	if err != nil {
		return false, err
	}
	s.coord.OnReceipt(ctx, messageID, res.ConversationID, id.UserID, store.Delivered, res.Changed)
	return res.Changed, nil
}

// MarkRead records a read receipt for the caller, and the implied delivery
// receipt if it was missing. Both changes are broadcast, delivered first.
func (s *Service) MarkRead(ctx context.Context, id auth.Identity, messageID string) (bool, error) {
	if _, err := s.requireMessageMember(ctx, id, messageID); err != nil {
		return false, err
	}
	res, err := s.db.RecordRead(ctx, messageID, id.UserID)
	if err != nil {
		return false, err
	}
	s.coord.OnReceipt(ctx, messageID, res.ConversationID, id.UserID, store.Delivered, res.DeliveredChanged)
	s.coord.OnReceipt(ctx, messageID, res.ConversationID, id.UserID, store.Read, res.Changed)
	return res.Changed, nil
}

// History returns up to limit messages older than before, oldest first.
func (s *Service) History(ctx context.Context, id auth.Identity, conversationID string, limit int, before time.Time) ([]store.Message, error) {
	if err := s.requireMember(ctx, id, conversationID); err != nil {
		return nil, err
	}
	return s.db.ListMessages(ctx, conversationID, limit, before)
}

// Search finds messages in the caller's conversations.
func (s *Service) Search(ctx context.Context, id auth.Identity, text, conversationID string, limit int) ([]store.Message, error) {
	if conversationID != "" {
		if err := s.requireMember(ctx, id, conversationID); err != nil {
			return nil, err
		}
	}
	return s.db.SearchMessages(ctx, store.SearchQuery{
		Text:           text,
		UserID:         id.UserID,
		ConversationID: conversationID,
		Limit:          limit,
	})
}

// RegisterPushToken stores the caller's device token for offline pushes.
func (s *Service) RegisterPushToken(ctx context.Context, id auth.Identity, token, platform string) error {
	if strings.TrimSpace(token) == "" {
		return errs.E(errs.InvalidArgument, "token is required")
	}
	return s.db.SetPushToken(ctx, id.UserID, strings.TrimSpace(token), platform)
}

// PresenceInfo answers a presence lookup.
type PresenceInfo struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Presence reports whether userID has a live connection.
func (s *Service) Presence(userID string) PresenceInfo {
	info := PresenceInfo{UserID: userID, Online: s.registry.IsOnline(userID)}
	if !info.Online {
		if t, ok := s.registry.LastSeen(userID); ok {
			info.LastSeen = &t
		}
	}
	return info
}

// JoinRoom subscribes connID to the conversation's room if userID is a
// participant. Membership is checked again after the join: a removal that
// commits between the first check and the join would otherwise leave the
// connection in the room after RemoveParticipant has evicted it.
func (s *Service) JoinRoom(ctx context.Context, userID, connID, conversationID string) error {
	id := auth.Identity{UserID: userID}
	if err := s.requireMember(ctx, id, conversationID); err != nil {
		return err
	}
	if err := s.registry.Join(connID, conversationID); err != nil {
		return err
	}
	if err := s.requireMember(ctx, id, conversationID); err != nil {
		s.registry.Leave(connID, conversationID)
		return err
	}
	return nil
}

func (s *Service) requireMember(ctx context.Context, id auth.Identity, conversationID string) error {
	member, _, err := s.db.Membership(ctx, conversationID, id.UserID)
	if err != nil {
		return err
	}
	if !member {
		return errs.E(errs.Forbidden, "not a participant of conversation %s", conversationID)
	}
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, id auth.Identity, conversationID string) error {
	_, admin, err := s.db.Membership(ctx, conversationID, id.UserID)
	if err != nil {
		return err
	}
	if !admin && !id.Privileged {
		return errs.E(errs.Forbidden, "only conversation admins can change participants")
	}
	return nil
}

func (s *Service) requireMessageMember(ctx context.Context, id auth.Identity, messageID string) (string, error) {
	conversationID, err := s.db.MessageConversation(ctx, messageID)
	if err != nil {
		return "", err
	}
	return conversationID, s.requireMember(ctx, id, conversationID)
}
