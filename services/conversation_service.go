package services

import (
	"context"
	"strings"
	"time"

	"clinic-chat/models"
	"clinic-chat/utils"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrConversationNotFound = utils.NotFound("conversation not found")
	ErrInvalidPriority      = utils.InvalidArg("priority must be one of low, normal, high, urgent")
)

var priorities = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}

// Actor identifies the operator behind a manual change.
type Actor struct {
	ID   string
	Name string
}

type ConversationFilter struct {
	ChannelID      string
	Status         string
	AssignedUserID string
	Tag            string
	Search         string
	UnreadOnly     bool
	Limit          int
	Offset         int
}

type ConversationStats struct {
	Total    int64            `json:"total"`
	Unread   int64            `json:"unread"`
	ByStatus map[string]int64 `json:"byStatus"`
}

type ConversationService struct {
	db *gorm.DB
}

func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{db: db}
}

// FindOrCreate returns the conversation for (phone, channel), creating it on
// first contact. Concurrent callers with the same key get the same row.
func (s *ConversationService) FindOrCreate(ctx context.Context, phone, channelID, contactName string) (*models.Conversation, error) {
	if contactName == "" {
		contactName = phone
	}
	candidate := models.Conversation{
		PhoneNumber: phone,
		ChannelID:   channelID,
		ContactName: contactName,
		Status:      models.ConversationActive,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phone_number"}, {Name: "channel_id"}},
			DoNothing: true,
		}).
		Create(&candidate).Error
	if err != nil {
		return nil, errors.Wrap(err, "conversationStore.FindOrCreate.Insert")
	}

	var conv models.Conversation
	if err := s.db.WithContext(ctx).
		Where("phone_number = ? AND channel_id = ?", phone, channelID).
		First(&conv).Error; err != nil {
		return nil, errors.Wrap(err, "conversationStore.FindOrCreate.Select")
	}
	return &conv, nil
}

// RecordMessage moves the last-message pointer forward and, for inbound
// messages only, bumps the unread counter in the same statement batch.
func (s *ConversationService) RecordMessage(ctx context.Context, conversationID, direction, preview string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Conversation{}).
			Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", conversationID, at).
			Updates(map[string]interface{}{
				"last_message_at":      at,
				"last_message_preview": preview,
			}).Error
		if err != nil {
			return errors.Wrap(err, "conversationStore.RecordMessage.Last")
		}
		if direction != models.DirectionIncoming {
			return nil
		}
		err = tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Updates(map[string]interface{}{
				"unread_count": gorm.Expr("unread_count + ?", 1),
				"is_unread":    true,
			}).Error
		return errors.Wrap(err, "conversationStore.RecordMessage.Unread")
	})
}

// MarkRead clears the unread state and marks every inbound message as read.
func (s *ConversationService) MarkRead(ctx context.Context, id string) (*models.Conversation, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Conversation{}).Where("id = ?", id).
			Updates(map[string]interface{}{"unread_count": 0, "is_unread": false}).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.Message{}).
			Where("conversation_id = ? AND direction = ? AND status <> ?", id, models.DirectionIncoming, models.StatusRead).
			Updates(map[string]interface{}{"status": models.StatusRead, "read_at": now}).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "conversationStore.MarkRead")
	}
	return s.Get(ctx, id)
}

// MarkUnread flags the conversation and recounts inbound messages not yet read.
func (s *ConversationService) MarkUnread(ctx context.Context, id string) (*models.Conversation, error) {
	return s.mutate(ctx, id, nil, func(tx *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		var count int64
		err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND direction = ? AND status <> ?", id, models.DirectionIncoming, models.StatusRead).
			Count(&count).Error
		if err != nil {
			return nil, err
		}
		conv.UnreadCount = int(count)
		conv.IsUnread = true
		return map[string]interface{}{"unread_count": conv.UnreadCount, "is_unread": true}, nil
	})
}

// Assign sets or clears (empty userID) the responsible operator.
func (s *ConversationService) Assign(ctx context.Context, id, userID string, actor Actor) (*models.Conversation, error) {
	entry := activity("assigned", actor, map[string]interface{}{"assignedUserId": userID})
	if userID == "" {
		entry.Type = "unassigned"
	}
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		entry.Details["previousUserId"] = conv.AssignedUserID
		if userID == "" {
			conv.AssignedUserID = nil
			return map[string]interface{}{"assigned_user_id": nil}, nil
		}
		conv.AssignedUserID = &userID
		return map[string]interface{}{"assigned_user_id": userID}, nil
	})
}

// AddParticipant adds an operator to the set following the conversation.
// The assignee is tracked separately.
func (s *ConversationService) AddParticipant(ctx context.Context, id, userID string, actor Actor) (*models.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, utils.InvalidArg("userId is required")
	}
	entry := activity("participant_added", actor, map[string]interface{}{"participantId": userID})
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		if !conv.HasParticipant(userID) {
			conv.Participants = append(conv.Participants, userID)
		}
		return map[string]interface{}{"participants": conv.Participants}, nil
	})
}

func (s *ConversationService) RemoveParticipant(ctx context.Context, id, userID string, actor Actor) (*models.Conversation, error) {
	if userID == "" {
		return nil, utils.InvalidArg("userId is required")
	}
	entry := activity("participant_removed", actor, map[string]interface{}{"participantId": userID})
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		kept := datatypes.JSONSlice[string]{}
		for _, p := range conv.Participants {
			if p != userID {
				kept = append(kept, p)
			}
		}
		conv.Participants = kept
		return map[string]interface{}{"participants": kept}, nil
	})
}

func (s *ConversationService) AddTag(ctx context.Context, id, tag string, actor Actor) (*models.Conversation, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, utils.InvalidArg("tag is required")
	}
	entry := activity("tag_added", actor, map[string]interface{}{"tag": tag})
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		if !conv.HasTag(tag) {
			conv.Tags = append(conv.Tags, tag)
		}
		return map[string]interface{}{"tags": conv.Tags}, nil
	})
}

func (s *ConversationService) RemoveTag(ctx context.Context, id, tag string, actor Actor) (*models.Conversation, error) {
	entry := activity("tag_removed", actor, map[string]interface{}{"tag": tag})
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		kept := datatypes.JSONSlice[string]{}
		for _, t := range conv.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		conv.Tags = kept
		return map[string]interface{}{"tags": kept}, nil
	})
}

func (s *ConversationService) Archive(ctx context.Context, id string, actor Actor) (*models.Conversation, error) {
	return s.setStatus(ctx, id, models.ConversationArchived, "archived", actor)
}

func (s *ConversationService) Unarchive(ctx context.Context, id string, actor Actor) (*models.Conversation, error) {
	return s.setStatus(ctx, id, models.ConversationActive, "unarchived", actor)
}

func (s *ConversationService) Resolve(ctx context.Context, id string, actor Actor) (*models.Conversation, error) {
	return s.setStatus(ctx, id, models.ConversationClosed, "resolved", actor)
}

func (s *ConversationService) Reopen(ctx context.Context, id string, actor Actor) (*models.Conversation, error) {
	return s.setStatus(ctx, id, models.ConversationActive, "reopened", actor)
}

func (s *ConversationService) setStatus(ctx context.Context, id, status, event string, actor Actor) (*models.Conversation, error) {
	entry := activity(event, actor, map[string]interface{}{"status": status})
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		entry.Details["previousStatus"] = conv.Status
		conv.Status = status
		return map[string]interface{}{"status": status}, nil
	})
}

func (s *ConversationService) SetPriority(ctx context.Context, id, priority string, actor Actor) (*models.Conversation, error) {
	if !priorities[priority] {
		return nil, ErrInvalidPriority
	}
	entry := activity("priority_changed", actor, map[string]interface{}{"priority": priority})
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		conv.Metadata["priority"] = priority
		return map[string]interface{}{"metadata": conv.Metadata}, nil
	})
}

func (s *ConversationService) SetCustomAttribute(ctx context.Context, id, key string, value interface{}, actor Actor) (*models.Conversation, error) {
	if key == "" {
		return nil, utils.InvalidArg("attribute key is required")
	}
	entry := activity("attribute_set", actor, map[string]interface{}{"key": key, "value": value})
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		attrs := customAttributes(conv)
		attrs[key] = value
		conv.Metadata["customAttributes"] = attrs
		return map[string]interface{}{"metadata": conv.Metadata}, nil
	})
}

func (s *ConversationService) RemoveCustomAttribute(ctx context.Context, id, key string, actor Actor) (*models.Conversation, error) {
	entry := activity("attribute_removed", actor, map[string]interface{}{"key": key})
	return s.mutate(ctx, id, entry, func(_ *gorm.DB, conv *models.Conversation) (map[string]interface{}, error) {
		attrs := customAttributes(conv)
		delete(attrs, key)
		conv.Metadata["customAttributes"] = attrs
		return map[string]interface{}{"metadata": conv.Metadata}, nil
	})
}

func (s *ConversationService) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, "conversationStore.Get")
	}
	return &conv, nil
}

// List returns conversations with the most recent activity first.
func (s *ConversationService) List(ctx context.Context, f ConversationFilter) ([]models.Conversation, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Conversation{})
	if f.ChannelID != "" {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.AssignedUserID != "" {
		q = q.Where("assigned_user_id = ?", f.AssignedUserID)
	}
	if f.UnreadOnly {
		q = q.Where("is_unread = ?", true)
	}
	if f.Tag != "" {
		q = q.Where(datatypes.JSONArrayQuery("tags").Contains(f.Tag))
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("(contact_name LIKE ? OR phone_number LIKE ?)", like, like)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "conversationStore.List.Count")
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var convs []models.Conversation
	err := q.Order("last_message_at IS NULL").Order("last_message_at DESC").
		Limit(limit).Offset(f.Offset).
		Find(&convs).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "conversationStore.List.Find")
	}
	return convs, total, nil
}

func (s *ConversationService) Stats(ctx context.Context, channelID string) (*ConversationStats, error) {
	q := func() *gorm.DB {
		db := s.db.WithContext(ctx).Model(&models.Conversation{})
		if channelID != "" {
			db = db.Where("channel_id = ?", channelID)
		}
		return db
	}

	stats := &ConversationStats{ByStatus: map[string]int64{}}
	if err := q().Count(&stats.Total).Error; err != nil {
		return nil, errors.Wrap(err, "conversationStore.Stats.Total")
	}
	if err := q().Where("is_unread = ?", true).Count(&stats.Unread).Error; err != nil {
		return nil, errors.Wrap(err, "conversationStore.Stats.Unread")
	}

	var rows []struct {
		Status string
		Count  int64
	}
	if err := q().Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "conversationStore.Stats.ByStatus")
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.Count
	}
	return stats, nil
}

// mutate loads the row under lock, applies fn, writes only the columns fn
// returned and appends entry to the activity log.
func (s *ConversationService) mutate(ctx context.Context, id string, entry *models.ActivityEntry, fn func(tx *gorm.DB, conv *models.Conversation) (map[string]interface{}, error)) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conv, "id = ?", id).Error; err != nil {
			return err
		}
		if conv.Metadata == nil {
			conv.Metadata = datatypes.JSONMap{}
		}
		changes, err := fn(tx, &conv)
		if err != nil {
			return err
		}
		if entry != nil {
			conv.ActivityLog = append(conv.ActivityLog, *entry)
			changes["activity_log"] = conv.ActivityLog
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", id).Updates(changes).Error
	})
	if err != nil {
		return nil, wrapNotFound(err, "conversationStore.mutate")
	}
	return &conv, nil
}

func activity(kind string, actor Actor, details map[string]interface{}) *models.ActivityEntry {
	return &models.ActivityEntry{
		Type:      kind,
		UserID:    actor.ID,
		UserName:  actor.Name,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
}

func customAttributes(conv *models.Conversation) map[string]interface{} {
	if attrs, ok := conv.Metadata["customAttributes"].(map[string]interface{}); ok {
		return attrs
	}
	return map[string]interface{}{}
}

// wrapNotFound turns gorm's not-found into the domain error and wraps the rest.
func wrapNotFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrConversationNotFound) {
		return ErrConversationNotFound
	}
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return errors.Wrap(err, op)
}
