package services

import (
	"context"
	"time"

	"clinic-chat/models"

	"github.com/rs/zerolog/log"
)

type EventKind string

const (
	EventNewMessage          EventKind = "message.new"
	EventMessageDeleted      EventKind = "message.deleted"
	EventStatusChanged       EventKind = "message.status"
	EventConversationUpdated EventKind = "conversation.updated"
)

// ConversationEvent is the single internal event type; sinks translate it
// into whatever each consumer expects.
type ConversationEvent struct {
	Kind         EventKind            `json:"kind"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
	Message      *models.Message      `json:"message,omitempty"`
	At           time.Time            `json:"at"`
}

func (e ConversationEvent) ConversationID() string {
	if e.Conversation != nil {
		return e.Conversation.ID
	}
	if e.Message != nil {
		return e.Message.ConversationID
	}
	return ""
}

func NewMessageEvent(conv *models.Conversation, msg *models.Message) ConversationEvent {
	return ConversationEvent{Kind: EventNewMessage, Conversation: conv, Message: msg, At: time.Now().UTC()}
}

func MessageDeletedEvent(conv *models.Conversation, msg *models.Message) ConversationEvent {
	return ConversationEvent{Kind: EventMessageDeleted, Conversation: conv, Message: msg, At: time.Now().UTC()}
}

func StatusChangedEvent(msg *models.Message) ConversationEvent {
	return ConversationEvent{Kind: EventStatusChanged, Message: msg, At: time.Now().UTC()}
}

func ConversationUpdatedEvent(conv *models.Conversation) ConversationEvent {
	return ConversationEvent{Kind: EventConversationUpdated, Conversation: conv, At: time.Now().UTC()}
}

type EventSink interface {
	Publish(ctx context.Context, ev ConversationEvent) error
}

// PublishEvent hands ev to sink and logs a failure instead of returning it.
// A nil sink is a no-op.
func PublishEvent(ctx context.Context, sink EventSink, ev ConversationEvent) {
	if sink == nil {
		return
	}
	if err := sink.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("conversation", ev.ConversationID()).Msg("event publish failed")
	}
}

// FanOut publishes to every sink. A failing sink is logged and does not stop the others.
type FanOut []EventSink

func (f FanOut) Publish(ctx context.Context, ev ConversationEvent) error {
	var first error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("conversation", ev.ConversationID()).Msg("event sink failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// SocketSink maps conversation events onto socket events for both client
// generations.
type SocketSink struct {
	hub *Hub
}

func NewSocketSink(hub *Hub) *SocketSink {
	return &SocketSink{hub: hub}
}

func (s *SocketSink) Publish(_ context.Context, ev ConversationEvent) error {
	convID := ev.ConversationID()
	switch ev.Kind {
	case EventNewMessage:
		payload := map[string]interface{}{"conversationId": convID, "message": ev.Message}
		s.hub.EmitNewMessage(convID, ev.Message)
		s.notifyFollowers(ev.Conversation, "message:new", payload)
		if ev.Conversation != nil {
			s.hub.EmitConversationUpdate(ev.Conversation)
		}
		s.hub.Broadcast("chat:new-message", legacyNewMessage(ev.Conversation, ev.Message))

	case EventMessageDeleted:
		s.hub.EmitMessageDeleted(convID, ev.Message.ID)
		s.notifyFollowers(ev.Conversation, "message:deleted", map[string]interface{}{
			"conversationId": convID,
			"messageId":      ev.Message.ID,
		})
		s.hub.Broadcast("chat:message-deleted", map[string]interface{}{
			"messageId":         ev.Message.ID,
			"conversationId":    convID,
			"providerMessageId": ev.Message.ProviderMessageID,
		})

	case EventStatusChanged:
		s.hub.EmitMessageStatus(convID, ev.Message.ID, ev.Message.Status)

	case EventConversationUpdated:
		s.hub.EmitConversationUpdate(ev.Conversation)
		s.notifyFollowers(ev.Conversation, "conversation:update", ev.Conversation)
	}
	return nil
}

// notifyFollowers reaches the assignee and every participant once each.
func (s *SocketSink) notifyFollowers(conv *models.Conversation, event string, payload interface{}) {
	if conv == nil {
		return
	}
	seen := make(map[string]bool, len(conv.Participants)+1)
	notify := func(userID string) {
		if userID == "" || seen[userID] {
			return
		}
		seen[userID] = true
		s.hub.NotifyUser(userID, event, payload)
	}
	if conv.AssignedUserID != nil {
		notify(*conv.AssignedUserID)
	}
	for _, userID := range conv.Participants {
		notify(userID)
	}
}

// legacyNewMessage is the flat shape older clients listen for.
func legacyNewMessage(conv *models.Conversation, msg *models.Message) map[string]interface{} {
	out := map[string]interface{}{
		"id":          msg.ID,
		"direction":   msg.Direction,
		"messageType": msg.Type,
		"content":     msg.Content,
		"createdAt":   msg.CreatedAt,
		"mediaUrl":    nil,
	}
	if conv != nil {
		out["sessionName"] = conv.ChannelID
		out["phoneNumber"] = conv.PhoneNumber
		out["contactName"] = conv.ContactName
	}
	if msg.Attachment != nil {
		out["mediaUrl"] = msg.Attachment.FileURL
	}
	return out
}
