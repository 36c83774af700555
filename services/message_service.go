package services

import (
	"context"
	"time"

	"clinic-chat/models"
	"clinic-chat/utils"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrMessageNotFound = utils.NotFound("message not found")

// statusRank orders delivery states so late acks never move a message backwards.
var statusRank = map[string]int{
	models.StatusPending:   0,
	models.StatusSent:      1,
	models.StatusDelivered: 2,
	models.StatusRead:      3,
}

type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// Create stores msg and, when given, its attachment in one transaction.
// A provider id that is already stored is not inserted again: the stored
// message is returned with created=false.
func (s *MessageService) Create(ctx context.Context, msg *models.Message, att *models.Attachment) (*models.Message, bool, error) {
	created := true
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Omit(clause.Associations).
			Create(msg)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			created = false
			return nil
		}
		if att != nil {
			att.MessageID = msg.ID
			if err := tx.Create(att).Error; err != nil {
				return err
			}
			msg.Attachment = att
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "messageStore.Create")
	}
	if created {
		return msg, true, nil
	}

	if msg.ProviderMessageID == nil {
		return nil, false, errors.New("messageStore.Create: insert ignored without a provider id")
	}
	existing, err := s.FindByProviderID(ctx, *msg.ProviderMessageID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *MessageService) FindByProviderID(ctx context.Context, providerID string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Preload("Attachment").
		Where("provider_message_id = ?", providerID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "messageStore.FindByProviderID")
	}
	return &msg, nil
}

func (s *MessageService) FindByID(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).Preload("Attachment").First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "messageStore.FindByID")
	}
	return &msg, nil
}

// ListByConversation returns up to limit messages older than before (when
// set), oldest first.
func (s *MessageService) ListByConversation(ctx context.Context, conversationID string, limit int, before *time.Time) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).
		Preload("Attachment").
		Where("conversation_id = ?", conversationID)
	if before != nil {
		q = q.Where("created_at < ?", before.UTC())
	}

	var msgs []models.Message
	if err := q.Order("created_at DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(err, "messageStore.ListByConversation")
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpdateStatusByProviderID applies a delivery ack. Failed always applies;
// any other status only moves forward.
func (s *MessageService) UpdateStatusByProviderID(ctx context.Context, providerID, status string, at time.Time) (*models.Message, bool, error) {
	msg, err := s.FindByProviderID(ctx, providerID)
	if err != nil {
		return nil, false, err
	}
	if status != models.StatusFailed && statusRank[status] <= statusRank[msg.Status] {
		return msg, false, nil
	}

	at = at.UTC()
	changes := map[string]interface{}{"status": status}
	switch status {
	case models.StatusSent:
		changes["sent_at"] = at
		msg.SentAt = &at
	case models.StatusDelivered:
		changes["delivered_at"] = at
		msg.DeliveredAt = &at
	case models.StatusRead:
		changes["read_at"] = at
		msg.ReadAt = &at
	}
	if err := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", msg.ID).Updates(changes).Error; err != nil {
		return nil, false, errors.Wrap(err, "messageStore.UpdateStatusByProviderID")
	}
	msg.Status = status
	return msg, true, nil
}

// DeleteByProviderID removes a message and its attachment. It returns the
// deleted message, or nil when nothing was stored under providerID.
func (s *MessageService) DeleteByProviderID(ctx context.Context, providerID string) (*models.Message, error) {
	var deleted *models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		err := tx.Preload("Attachment").Where("provider_message_id = ?", providerID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", msg.ID).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Message{}, "id = ?", msg.ID).Error; err != nil {
			return err
		}
		deleted = &msg
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "messageStore.DeleteByProviderID")
	}
	return deleted, nil
}
