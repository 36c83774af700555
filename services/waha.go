package services

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"clinic-chat/config"
	"clinic-chat/models"
	"clinic-chat/utils"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// OutgoingFile is either a URL the provider fetches or inline base64 data.
type OutgoingFile struct {
	URL      string `json:"url,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data,omitempty"`
}

type SendResult struct {
	ID string `json:"id"`
}

// MessageSender is the outbound provider surface.
type MessageSender interface {
	SendText(ctx context.Context, session, chatID, text string) (*SendResult, error)
	SendMedia(ctx context.Context, session, chatID, messageType string, file OutgoingFile, caption string) (*SendResult, error)
}

// ReadReceipts tells the provider an operator has read a chat.
type ReadReceipts interface {
	SendSeen(ctx context.Context, session, chatID string) error
}

type WAHAClient struct {
	client *resty.Client
}

func NewWAHAClient(cfg config.WAHA) *WAHAClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-Api-Key", cfg.APIKey)
	}
	return &WAHAClient{client: client}
}

func (w *WAHAClient) SendText(ctx context.Context, session, chatID, text string) (*SendResult, error) {
	return w.post(ctx, "/api/sendText", map[string]interface{}{
		"session": session,
		"chatId":  chatID,
		"text":    text,
	})
}

func (w *WAHAClient) SendMedia(ctx context.Context, session, chatID, messageType string, file OutgoingFile, caption string) (*SendResult, error) {
	endpoint, convert := mediaEndpoint(messageType)
	body := map[string]interface{}{
		"session": session,
		"chatId":  chatID,
		"file":    file,
	}
	if caption != "" && messageType != models.TypePTT && messageType != models.TypeAudio {
		body["caption"] = caption
	}
	if convert {
		body["convert"] = true
	}
	return w.post(ctx, endpoint, body)
}

// SendSeen marks the chat as read on the phone.
func (w *WAHAClient) SendSeen(ctx context.Context, session, chatID string) error {
	resp, err := w.client.R().SetContext(ctx).
		SetBody(map[string]interface{}{"session": session, "chatId": chatID}).
		Post("/api/sendSeen")
	if err != nil {
		return errors.Wrap(err, "waha.SendSeen")
	}
	if resp.IsError() {
		return errors.Errorf("waha.SendSeen: status %d", resp.StatusCode())
	}
	return nil
}

func (w *WAHAClient) post(ctx context.Context, endpoint string, body interface{}) (*SendResult, error) {
	var out struct {
		ID json.RawMessage `json:"id"`
	}
	resp, err := w.client.R().SetContext(ctx).SetBody(body).SetResult(&out).Post(endpoint)
	if err != nil {
		return nil, utils.WrapError(utils.CodeInternal, "whatsapp provider unreachable", err)
	}
	if resp.IsError() {
		return nil, utils.WrapError(utils.CodeInternal, "whatsapp provider rejected the message",
			errors.Errorf("%s: status %d: %s", endpoint, resp.StatusCode(), truncate(resp.String(), 200)))
	}
	return &SendResult{ID: providerID(out.ID)}, nil
}

// providerID reads an id that is either a plain string or {"_serialized": ...}.
func providerID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Serialized string `json:"_serialized"`
		ID         string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Serialized != "" {
			return obj.Serialized
		}
		return obj.ID
	}
	return ""
}

func mediaEndpoint(messageType string) (endpoint string, convert bool) {
	switch messageType {
	case models.TypeImage, models.TypeSticker:
		return "/api/sendImage", false
	case models.TypeVideo:
		return "/api/sendVideo", true
	case models.TypeAudio, models.TypePTT:
		return "/api/sendVoice", true
	default:
		return "/api/sendFile", false
	}
}

// ChatID addresses a phone number on the provider; full addresses pass through.
func ChatID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	return digits + "@c.us"
}

// MapAckToStatus translates the provider's numeric ack level.
func MapAckToStatus(ack int) string {
	switch {
	case ack < 0:
		return models.StatusFailed
	case ack == 0:
		return models.StatusPending
	case ack <= 2:
		return models.StatusSent
	case ack == 3:
		return models.StatusDelivered
	default:
		return models.StatusRead
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
