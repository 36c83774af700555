package services

import (
	"context"
	"strings"
	"time"

	"clinic-chat/models"
	"clinic-chat/utils"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

type SendRequest struct {
	Type        string `json:"type"` // text when empty
	Text        string `json:"text"`
	MediaURL    string `json:"mediaUrl"`
	MediaBase64 string `json:"mediaBase64"` // data URI
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
}

// OutboundService sends operator messages through the provider and records
// them like any other message, without touching the unread counter.
type OutboundService struct {
	conversations *ConversationService
	messages      *MessageService
	media         *MediaService
	sender        MessageSender
	events        EventSink
	signTTL       time.Duration
}

func NewOutboundService(conversations *ConversationService, messages *MessageService, media *MediaService, sender MessageSender, events EventSink, signTTL time.Duration) *OutboundService {
	return &OutboundService{
		conversations: conversations,
		messages:      messages,
		media:         media,
		sender:        sender,
		events:        events,
		signTTL:       signTTL,
	}
}

func (o *OutboundService) Send(ctx context.Context, conversationID string, req SendRequest, actor Actor) (*models.Message, error) {
	conv, err := o.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgType := req.Type
	if msgType == "" {
		msgType = models.TypeText
	}
	chatID := ChatID(conv.PhoneNumber)
	logger := log.With().Str("session", conv.ChannelID).Str("phone", conv.PhoneNumber).Str("type", msgType).Logger()

	var (
		desc   *MediaDescriptor
		inline *OutgoingFile
		result *SendResult
	)
	if msgType == models.TypeText {
		if strings.TrimSpace(req.Text) == "" {
			return nil, utils.InvalidArg("text is required")
		}
		result, err = o.sender.SendText(ctx, conv.ChannelID, chatID, req.Text)
	} else {
		if !models.IsMediaType(msgType) {
			return nil, utils.InvalidArg("unsupported message type " + msgType)
		}
		desc, inline, err = o.resolveMedia(ctx, req, msgType, conv.ChannelID)
		if err != nil {
			return nil, err
		}
		file, fileErr := o.outgoingFile(ctx, desc, inline)
		if fileErr != nil {
			return nil, fileErr
		}
		result, err = o.sender.SendMedia(ctx, conv.ChannelID, chatID, msgType, *file, req.Text)
	}
	if err != nil {
		logger.Error().Err(err).Msg("provider send failed")
		return nil, err
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOutgoing,
		Type:           msgType,
		Content:        req.Text,
		Status:         models.StatusSent,
		SentAt:         &now,
		CreatedAt:      now,
		Metadata:       datatypes.JSONMap{"source": "operator"},
	}
	if inline != nil {
		msg.Metadata["fileName"] = inline.Filename
		msg.Metadata["mediaStored"] = false
	}
	if actor.ID != "" {
		msg.SenderID = &actor.ID
		msg.SenderName = actor.Name
	}
	if result != nil && result.ID != "" {
		id := result.ID
		msg.ProviderMessageID = &id
	}
	var att *models.Attachment
	if desc != nil {
		att = &models.Attachment{
			Type:     AttachmentType(msgType, desc.MimeType),
			FileURL:  desc.FileURL,
			FileName: desc.FileName,
			MimeType: desc.MimeType,
			FileSize: desc.FileSize,
		}
	}

	stored, created, err := o.messages.Create(ctx, msg, att)
	if err != nil {
		logger.Error().Err(err).Msg("sent message not stored")
		return nil, err
	}
	if !created {
		// the provider's own webhook got here first
		return stored, nil
	}
	if err := o.conversations.RecordMessage(ctx, conv.ID, models.DirectionOutgoing, MessagePreview(stored.Content, msgType), stored.CreatedAt); err != nil {
		logger.Error().Err(err).Msg("conversation bookkeeping failed")
	}
	if fresh, err := o.conversations.Get(ctx, conv.ID); err == nil {
		conv = fresh
	}
	PublishEvent(ctx, o.events, NewMessageEvent(conv, stored))
	return stored, nil
}

// resolveMedia stores the request's file. Without storage a base64 file is
// returned as inline instead, and the provider receives the bytes directly.
func (o *OutboundService) resolveMedia(ctx context.Context, req SendRequest, msgType, channelID string) (*MediaDescriptor, *OutgoingFile, error) {
	hint := MediaHint{MimeType: req.MimeType, FileName: req.FileName}
	switch {
	case req.MediaBase64 != "" && !o.media.StorageConfigured():
		file, err := o.media.InlineFile(req.MediaBase64, msgType, hint)
		if err != nil {
			return nil, nil, mediaError(err)
		}
		return nil, file, nil
	case req.MediaBase64 != "":
		desc, err := o.media.IngestFromBase64(ctx, req.MediaBase64, msgType, channelID, hint)
		if err != nil {
			return nil, nil, mediaError(err)
		}
		return desc, nil, nil
	case req.MediaURL != "" && o.media.IsOwnURL(req.MediaURL):
		return o.media.Describe(req.MediaURL, msgType, hint), nil, nil
	case IsRemoteURL(req.MediaURL):
		if desc := o.media.IngestFromURL(ctx, req.MediaURL, msgType, channelID, hint); desc != nil {
			return desc, nil, nil
		}
		return nil, nil, utils.InvalidArg("media could not be downloaded")
	}
	return nil, nil, utils.InvalidArg("mediaUrl or mediaBase64 is required")
}

func (o *OutboundService) outgoingFile(ctx context.Context, desc *MediaDescriptor, inline *OutgoingFile) (*OutgoingFile, error) {
	if inline != nil {
		return inline, nil
	}
	fileURL, err := o.media.SignedURL(ctx, desc.FileURL, o.signTTL)
	if err != nil {
		return nil, utils.WrapError(utils.CodeInternal, "media could not be signed", err)
	}
	return &OutgoingFile{URL: fileURL, Mimetype: desc.MimeType, Filename: desc.FileName}, nil
}

func mediaError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidDataURI):
		return utils.WrapError(utils.CodeInvalidArgument, "invalid media payload", err)
	case errors.Is(err, ErrMediaTooLarge):
		return utils.WrapError(utils.CodeInvalidArgument, "media exceeds the size limit", err)
	}
	return utils.WrapError(utils.CodeInternal, "media could not be stored", err)
}
