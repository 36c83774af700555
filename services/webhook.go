package services

import (
	"encoding/json"
	"strings"
	"time"

	"clinic-chat/utils"
)

// WebhookEnvelope is the provider event shape shared by the direct and relay routes.
type WebhookEnvelope struct {
	Event   string         `json:"event"`
	Session string         `json:"session"`
	Me      *WebhookMe     `json:"me,omitempty"`
	Payload WebhookPayload `json:"payload"`

	// RawPayload is the payload object as received, kept for message metadata.
	RawPayload map[string]interface{} `json:"-"`
}

type WebhookMe struct {
	ID       string `json:"id"`
	PushName string `json:"pushName"`
}

type WebhookPayload struct {
	ID               string          `json:"id"`
	Timestamp        int64           `json:"timestamp"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	FromMe           bool            `json:"fromMe"`
	Body             string          `json:"body"`
	HasMedia         bool            `json:"hasMedia"`
	Type             string          `json:"type"`
	Ack              *int            `json:"ack,omitempty"`
	Media            *WebhookMedia   `json:"media,omitempty"`
	MediaURL         string          `json:"mediaUrl,omitempty"`
	Data             WebhookData     `json:"_data"`
	RevokedMessageID string          `json:"revokedMessageId,omitempty"`
	Before           *WebhookPayload `json:"before,omitempty"`
	Status           string          `json:"status,omitempty"` // session.status
}

type WebhookMedia struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename"`
}

type WebhookData struct {
	NotifyName string `json:"notifyName"`
	PushName   string `json:"pushName"`
	Type       string `json:"type"`
}

// ParseWebhook decodes a request body into the typed envelope and keeps the
// untyped payload alongside it. defaultEvent fills in a missing event name.
func ParseWebhook(body []byte, defaultEvent string) (*WebhookEnvelope, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, utils.WrapError(utils.CodeInvalidArgument, "invalid webhook body", err)
	}
	if env.Event == "" {
		env.Event = defaultEvent
	}
	if env.Event == "" {
		return nil, utils.InvalidArg("event is required")
	}
	// only stored messages keep the raw payload
	if isMessageEvent(env.Event) {
		var raw struct {
			Payload map[string]interface{} `json:"payload"`
		}
		if err := json.Unmarshal(body, &raw); err == nil {
			env.RawPayload = raw.Payload
		}
	}
	return &env, nil
}

// MediaRef reports whether the payload declares media and where it lives.
func (p WebhookPayload) MediaRef() MediaRef {
	ref := p.MediaURL
	if p.Media != nil && p.Media.URL != "" {
		ref = p.Media.URL
	}
	return MediaRef{Declared: p.HasMedia, Ref: ref}
}

// DeclaredType is the provider's message type, "chat" normalized to text.
func (p WebhookPayload) DeclaredType() string {
	t := p.Type
	if t == "" {
		t = p.Data.Type
	}
	switch t {
	case "chat", "":
		return "text"
	}
	return t
}

// ProviderMIME is the mimetype declared in the payload, if any.
func (p WebhookPayload) ProviderMIME() string {
	if p.Media != nil {
		return p.Media.Mimetype
	}
	return ""
}

// SentAt converts the provider timestamp (seconds or milliseconds).
func (p WebhookPayload) SentAt(now time.Time) time.Time {
	switch {
	case p.Timestamp <= 0:
		return now.UTC()
	case p.Timestamp > 1e12:
		return time.UnixMilli(p.Timestamp).UTC()
	default:
		return time.Unix(p.Timestamp, 0).UTC()
	}
}

const omittedMedia = "[base64 omitted]"

// sanitizePayload copies raw, replacing inline media so metadata stays small.
func sanitizePayload(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if IsDataURI(val) || (len(val) > 4096 && !strings.ContainsAny(val[:256], " \n")) {
			return omittedMedia
		}
		return val
	case map[string]interface{}:
		return sanitizePayload(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	}
	return v
}
