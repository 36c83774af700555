package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message types as declared by the provider.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypePTT      = "ptt"
	TypeDocument = "document"
	TypeSticker  = "sticker"
)

const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

type Message struct {
	ID                string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ConversationID    string            `gorm:"type:varchar(36);index;not null" json:"conversationId"`
	ProviderMessageID *string           `gorm:"type:varchar(191);uniqueIndex" json:"providerMessageId"` // WhatsApp message id
	Direction         string            `gorm:"type:varchar(16);not null" json:"direction"`
	Type              string            `gorm:"type:varchar(16);not null" json:"type"`
	Content           string            `gorm:"type:text" json:"content"`
	Status            string            `gorm:"type:varchar(16);not null" json:"status"`
	SenderID          *string           `gorm:"type:varchar(36)" json:"senderId,omitempty"`
	SenderName        string            `gorm:"type:varchar(255)" json:"senderName,omitempty"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	Attachment        *Attachment       `gorm:"foreignKey:MessageID" json:"attachment,omitempty"`
	CreatedAt         time.Time         `gorm:"index" json:"createdAt"`
	SentAt            *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time        `json:"readAt,omitempty"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Metadata == nil {
		m.Metadata = datatypes.JSONMap{}
	}
	return nil
}

// IsMediaType reports whether messages of type t may carry an attachment.
func IsMediaType(t string) bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypePTT, TypeDocument, TypeSticker:
		return true
	}
	return false
}
