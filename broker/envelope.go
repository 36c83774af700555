package broker

import (
	"time"

	"clinic-chat/services"

	"github.com/google/uuid"
)

const producer = "clinic-chat"

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"` // e.g. chat.message.new.v1
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
}

type Envelope struct {
	Meta Meta        `json:"meta"`
	Data interface{} `json:"data"`
}

// RoutingKey is the topic key a conversation event is published under.
func RoutingKey(kind services.EventKind) string {
	return "chat." + string(kind)
}

// NewEventEnvelope wraps a conversation event. The conversation id is the
// correlation id so consumers can group events per conversation.
func NewEventEnvelope(ev services.ConversationEvent) Envelope {
	meta := Meta{
		ID:       uuid.NewString(),
		Type:     RoutingKey(ev.Kind) + ".v1",
		Producer: producer,
		Time:     ev.At,
	}
	if meta.Time.IsZero() {
		meta.Time = time.Now().UTC()
	}
	if id := ev.ConversationID(); id != "" {
		meta.CorrelationID = &id
	}

	data := map[string]interface{}{"conversationId": ev.ConversationID()}
	if ev.Conversation != nil {
		data["conversation"] = ev.Conversation
	}
	if ev.Message != nil {
		data["message"] = ev.Message
	}
	return Envelope{Meta: meta, Data: data}
}
