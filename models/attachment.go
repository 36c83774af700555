package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	AttachmentImage    = "image"
	AttachmentVideo    = "video"
	AttachmentAudio    = "audio"
	AttachmentDocument = "document"
)

var ErrTransientFileURL = errors.New("attachment file url must point at permanent storage")

type Attachment struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	MessageID string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"messageId"`
	Type      string    `gorm:"type:varchar(16);not null" json:"type"`
	FileURL   string    `gorm:"type:varchar(1024);not null" json:"fileUrl"`
	FileName  string    `gorm:"type:varchar(255)" json:"fileName"`
	MimeType  string    `gorm:"type:varchar(255)" json:"mimeType"`
	FileSize  int64     `json:"fileSize"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a *Attachment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// BeforeSave keeps inline payloads out of the table.
func (a *Attachment) BeforeSave(tx *gorm.DB) error {
	if a.FileURL == "" || strings.HasPrefix(a.FileURL, "data:") {
		return ErrTransientFileURL
	}
	return nil
}
