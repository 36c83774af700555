package services

import (
	"context"
	"strings"
	"time"
	"unicode"

	"clinic-chat/models"
	"clinic-chat/utils"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"
	"gorm.io/datatypes"
)

// Source names the inbound route a webhook arrived on.
type Source string

const (
	SourceDirect Source = "direct" // provider calls us directly
	SourceRelay  Source = "relay"  // forwarded by the automation relay with media resolved
)

type IngestStatus string

const (
	IngestProcessed IngestStatus = "processed"
	IngestSkipped   IngestStatus = "skipped"
	IngestIgnored   IngestStatus = "ignored"
	IngestDuplicate IngestStatus = "duplicate"
	IngestFiltered  IngestStatus = "filtered"
	IngestNoop      IngestStatus = "noop"
)

type IngestResult struct {
	Status         IngestStatus `json:"status"`
	ConversationID string       `json:"conversationId,omitempty"`
	MessageID      string       `json:"messageId,omitempty"`
}

// MediaRef is what a payload says about its media.
type MediaRef struct {
	Declared bool   // provider flagged hasMedia
	Ref      string // data URI or URL, empty when not supplied
}

// ShouldProcess decides which route owns a message event. Text-only messages
// belong to the direct route; media messages belong to whichever route
// carries the media itself.
func ShouldProcess(event string, media MediaRef, source Source) bool {
	if !isMessageEvent(event) {
		return true
	}
	switch source {
	case SourceRelay:
		return media.Ref != ""
	default:
		return !(media.Declared && media.Ref == "")
	}
}

func isMessageEvent(event string) bool {
	return event == "message" || event == "message.any"
}

// Broadcaster sends an event to every connected client.
type Broadcaster interface {
	Broadcast(event string, data interface{}) int
}

type Ingestor struct {
	conversations *ConversationService
	messages      *MessageService
	media         *MediaService
	events        EventSink
	broadcaster   Broadcaster
	now           func() time.Time
}

func NewIngestor(conversations *ConversationService, messages *MessageService, media *MediaService, events EventSink, broadcaster Broadcaster) *Ingestor {
	return &Ingestor{
		conversations: conversations,
		messages:      messages,
		media:         media,
		events:        events,
		broadcaster:   broadcaster,
		now:           time.Now,
	}
}

// Handle runs one webhook delivery through the pipeline. Only storage
// failures and malformed input come back as errors.
func (in *Ingestor) Handle(ctx context.Context, env *WebhookEnvelope, source Source) (*IngestResult, error) {
	logger := log.With().
		Str("event", env.Event).
		Str("session", env.Session).
		Str("source", string(source)).
		Str("provider_message_id", env.Payload.ID).
		Logger()

	switch {
	case isMessageEvent(env.Event):
		return in.handleMessage(ctx, env, source, logger)
	case env.Event == "message.revoked":
		return in.handleRevoked(ctx, env, logger)
	case env.Event == "message.ack":
		return in.handleAck(ctx, env, logger)
	case env.Event == "session.status":
		return in.handleSessionStatus(env), nil
	default:
		logger.Debug().Msg("webhook event ignored")
		return &IngestResult{Status: IngestIgnored}, nil
	}
}

func (in *Ingestor) handleMessage(ctx context.Context, env *WebhookEnvelope, source Source, logger zerolog.Logger) (*IngestResult, error) {
	p := env.Payload
	media := p.MediaRef()
	if !ShouldProcess(env.Event, media, source) {
		logger.Debug().Bool("has_media", media.Declared).Msg("message handled by the other route")
		return &IngestResult{Status: IngestSkipped}, nil
	}
	if env.Session == "" {
		return nil, utils.InvalidArg("session is required")
	}

	address := p.From
	direction := models.DirectionIncoming
	if p.FromMe {
		address = p.To
		direction = models.DirectionOutgoing
	}
	phone, ok, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Debug().Str("from", address).Msg("broadcast message dropped")
		return &IngestResult{Status: IngestFiltered}, nil
	}
	logger = logger.With().Str("phone", phone).Logger()

	contactName := phone
	if direction == models.DirectionIncoming {
		contactName = ResolveContactName(env, phone)
	}

	if p.ID != "" && media.Ref != "" {
		existing, err := in.messages.FindByProviderID(ctx, p.ID)
		if err == nil {
			logger.Info().Msg("provider message already stored")
			return &IngestResult{Status: IngestDuplicate, ConversationID: existing.ConversationID, MessageID: existing.ID}, nil
		}
		if !errors.Is(err, ErrMessageNotFound) {
			logger.Error().Err(err).Msg("provider message lookup failed")
			return nil, err
		}
	}

	declaredType := p.DeclaredType()
	hint := MediaHint{ProviderMIME: p.ProviderMIME()}
	if p.Media != nil {
		hint.FileName = p.Media.Filename
	}
	desc, uploaded := in.resolveMedia(ctx, media.Ref, declaredType, env.Session, hint, logger)
	// an object uploaded for a message that ends up not stored is unreferenced
	discard := func() {
		if uploaded {
			in.removeMedia(ctx, desc.FileURL, logger)
		}
	}

	conv, err := in.conversations.FindOrCreate(ctx, phone, env.Session, contactName)
	if err != nil {
		logger.Error().Err(err).Msg("conversation lookup failed")
		discard()
		return nil, err
	}

	msg, att := buildMessage(env, source, direction, declaredType, desc, in.now())
	msg.ConversationID = conv.ID
	stored, created, err := in.messages.Create(ctx, msg, att)
	if err != nil {
		logger.Error().Err(err).Str("conversation", conv.ID).Msg("message not stored")
		discard()
		return nil, err
	}
	result := &IngestResult{ConversationID: conv.ID, MessageID: stored.ID}
	if !created {
		logger.Info().Msg("provider message already stored")
		discard()
		result.Status = IngestDuplicate
		return result, nil
	}
	if uploaded && att == nil {
		discard()
	}

	preview := MessagePreview(stored.Content, declaredType)
	if err := in.conversations.RecordMessage(ctx, conv.ID, direction, preview, stored.CreatedAt); err != nil {
		logger.Error().Err(err).Str("conversation", conv.ID).Msg("conversation bookkeeping failed")
	}
	if fresh, err := in.conversations.Get(ctx, conv.ID); err == nil {
		conv = fresh
	}

	in.publish(ctx, NewMessageEvent(conv, stored))
	result.Status = IngestProcessed
	return result, nil
}

// resolveMedia turns the payload's media reference into a stored file. It
// never fails the message: a nil result means "store without attachment".
// uploaded reports whether this call created the object.
func (in *Ingestor) resolveMedia(ctx context.Context, ref, messageType, channelID string, hint MediaHint, logger zerolog.Logger) (*MediaDescriptor, bool) {
	if ref == "" || in.media == nil {
		return nil, false
	}
	switch {
	case IsDataURI(ref):
		desc, err := in.media.IngestFromBase64(ctx, ref, messageType, channelID, hint)
		if err != nil {
			logger.Warn().Err(err).Msg("inline media not stored, keeping message without attachment")
			return nil, false
		}
		return desc, true
	case in.media.IsOwnURL(ref):
		return in.media.Describe(ref, messageType, hint), false
	case IsRemoteURL(ref):
		desc := in.media.IngestFromURL(ctx, ref, messageType, channelID, hint)
		return desc, desc != nil
	}
	logger.Warn().Msg("unrecognised media reference")
	return nil, false
}

func (in *Ingestor) removeMedia(ctx context.Context, fileURL string, logger zerolog.Logger) {
	if err := in.media.Remove(ctx, fileURL); err != nil {
		logger.Warn().Err(err).Str("file", fileURL).Msg("media left in storage")
	}
}

func buildMessage(env *WebhookEnvelope, source Source, direction, declaredType string, desc *MediaDescriptor, now time.Time) (*models.Message, *models.Attachment) {
	p := env.Payload
	content := p.Body
	if IsDataURI(content) {
		content = ""
	}

	metadata := datatypes.JSONMap{
		"event":  env.Event,
		"source": string(source),
	}
	if env.RawPayload != nil {
		metadata["raw"] = sanitizePayload(env.RawPayload)
	}

	msg := &models.Message{
		Direction: direction,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: p.SentAt(now),
	}
	if p.ID != "" {
		id := p.ID
		msg.ProviderMessageID = &id
	}
	if direction == models.DirectionIncoming {
		msg.Status = models.StatusDelivered
	} else {
		msg.Status = models.StatusSent
		if p.Ack != nil {
			msg.Status = MapAckToStatus(*p.Ack)
		}
		sent := msg.CreatedAt
		msg.SentAt = &sent
	}

	msgType := declaredType
	if desc != nil && !models.IsMediaType(msgType) {
		msgType = MessageTypeFromMIME(desc.MimeType)
	}
	if desc == nil || !models.IsMediaType(msgType) {
		msg.Type = models.TypeText
		if declaredType != models.TypeText {
			metadata["originalType"] = declaredType
		}
		return msg, nil
	}

	msg.Type = msgType
	return msg, &models.Attachment{
		Type:     AttachmentType(msgType, desc.MimeType),
		FileURL:  desc.FileURL,
		FileName: desc.FileName,
		MimeType: desc.MimeType,
		FileSize: desc.FileSize,
	}
}

func (in *Ingestor) handleRevoked(ctx context.Context, env *WebhookEnvelope, logger zerolog.Logger) (*IngestResult, error) {
	providerID := env.Payload.RevokedMessageID
	if providerID == "" && env.Payload.Before != nil {
		providerID = env.Payload.Before.ID
	}
	if providerID == "" {
		return nil, utils.InvalidArg("revokedMessageId is required")
	}
	logger = logger.With().Str("provider_message_id", providerID).Logger()

	deleted, err := in.messages.DeleteByProviderID(ctx, providerID)
	if err != nil {
		logger.Error().Err(err).Msg("revocation failed")
		return nil, err
	}
	if deleted == nil {
		logger.Debug().Msg("revoked message not stored")
		return &IngestResult{Status: IngestNoop}, nil
	}

	if deleted.Attachment != nil && in.media != nil {
		in.removeMedia(ctx, deleted.Attachment.FileURL, logger)
	}

	conv, err := in.conversations.Get(ctx, deleted.ConversationID)
	if err != nil {
		logger.Warn().Err(err).Msg("conversation of revoked message not loaded")
	}
	in.publish(ctx, MessageDeletedEvent(conv, deleted))
	logger.Info().Str("message", deleted.ID).Msg("message revoked")
	return &IngestResult{Status: IngestProcessed, ConversationID: deleted.ConversationID, MessageID: deleted.ID}, nil
}

func (in *Ingestor) handleAck(ctx context.Context, env *WebhookEnvelope, logger zerolog.Logger) (*IngestResult, error) {
	p := env.Payload
	if p.ID == "" || p.Ack == nil {
		return nil, utils.InvalidArg("id and ack are required")
	}
	msg, changed, err := in.messages.UpdateStatusByProviderID(ctx, p.ID, MapAckToStatus(*p.Ack), in.now())
	if errors.Is(err, ErrMessageNotFound) {
		return &IngestResult{Status: IngestNoop}, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("ack not applied")
		return nil, err
	}
	result := &IngestResult{Status: IngestNoop, ConversationID: msg.ConversationID, MessageID: msg.ID}
	if changed {
		in.publish(ctx, StatusChangedEvent(msg))
		result.Status = IngestProcessed
	}
	return result, nil
}

func (in *Ingestor) handleSessionStatus(env *WebhookEnvelope) *IngestResult {
	if in.broadcaster != nil {
		in.broadcaster.Broadcast("whatsapp:status", map[string]interface{}{
			"sessionName": env.Session,
			"status":      env.Payload.Status,
			"timestamp":   in.now().UTC(),
		})
	}
	log.Info().Str("session", env.Session).Str("status", env.Payload.Status).Msg("session status changed")
	return &IngestResult{Status: IngestProcessed}
}

func (in *Ingestor) publish(ctx context.Context, ev ConversationEvent) {
	PublishEvent(ctx, in.events, ev)
}

// ParseAddress maps a provider chat address to the conversation phone
// number. ok is false for status broadcasts, which are never stored.
func ParseAddress(address string) (phone string, ok bool, err error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", false, utils.InvalidArg("sender address is required")
	}
	if !strings.Contains(address, "@") {
		return address, true, nil
	}
	jid, err := types.ParseJID(address)
	if err != nil {
		return "", false, utils.WrapError(utils.CodeInvalidArgument, "invalid sender address", err)
	}
	switch jid.Server {
	case types.BroadcastServer:
		return "", false, nil
	case types.GroupServer, types.NewsletterServer:
		return address, true, nil
	}
	if jid.User == "" {
		return "", false, utils.InvalidArg("invalid sender address")
	}
	return jid.User, true, nil
}

// ResolveContactName picks the first usable display name from the payload,
// falling back to the phone number. Purely numeric names are ignored.
func ResolveContactName(env *WebhookEnvelope, phone string) string {
	candidates := []string{env.Payload.Data.NotifyName, env.Payload.Data.PushName}
	if env.Me != nil {
		candidates = append(candidates, env.Me.PushName)
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" && !isAllDigits(c) {
			return c
		}
	}
	return phone
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

const previewRunes = 100

// MessagePreview is the conversation list text for a message.
func MessagePreview(content, messageType string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		if messageType == "" || messageType == models.TypeText {
			return ""
		}
		return "[" + messageType + "]"
	}
	runes := []rune(content)
	if len(runes) > previewRunes {
		return string(runes[:previewRunes])
	}
	return content
}
