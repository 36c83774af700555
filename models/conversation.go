package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ConversationActive   = "active"
	ConversationWaiting  = "waiting"
	ConversationClosed   = "closed"
	ConversationArchived = "archived"
)

// Conversation groups every message between one contact address and one channel.
type Conversation struct {
	ID                 string                             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PhoneNumber        string                             `gorm:"type:varchar(64);not null;uniqueIndex:idx_conversation_phone_channel,priority:1" json:"phoneNumber"`
	ChannelID          string                             `gorm:"type:varchar(128);not null;uniqueIndex:idx_conversation_phone_channel,priority:2" json:"channelId"` // WAHA session
	ContactName        string                             `gorm:"type:varchar(255)" json:"contactName"`
	Status             string                             `gorm:"type:varchar(16);index;not null" json:"status"`
	IsUnread           bool                               `json:"isUnread"`
	UnreadCount        int                                `gorm:"not null" json:"unreadCount"`
	LastMessageAt      *time.Time                         `gorm:"index" json:"lastMessageAt"`
	LastMessagePreview string                             `gorm:"type:varchar(255)" json:"lastMessagePreview"`
	Tags               datatypes.JSONSlice[string]        `json:"tags"`
	AssignedUserID     *string                            `gorm:"type:varchar(36);index" json:"assignedUserId"`
	Participants       datatypes.JSONSlice[string]        `json:"participants"` // operators following the conversation
	Metadata           datatypes.JSONMap                  `json:"metadata"`
	ActivityLog        datatypes.JSONSlice[ActivityEntry] `json:"activityLog"`
	CreatedAt          time.Time                          `json:"createdAt"`
	UpdatedAt          time.Time                          `json:"updatedAt"`
}

// ActivityEntry records who changed a conversation and how.
type ActivityEntry struct {
	Type      string                 `json:"type"` // assigned, tagged, archived, reopened, ...
	UserID    string                 `json:"userId"`
	UserName  string                 `json:"userName"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = ConversationActive
	}
	if c.Tags == nil {
		c.Tags = datatypes.JSONSlice[string]{}
	}
	if c.Participants == nil {
		c.Participants = datatypes.JSONSlice[string]{}
	}
	if c.Metadata == nil {
		c.Metadata = datatypes.JSONMap{}
	}
	if c.ActivityLog == nil {
		c.ActivityLog = datatypes.JSONSlice[ActivityEntry]{}
	}
	return nil
}

// HasTag reports whether tag is already set on the conversation.
func (c *Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}
