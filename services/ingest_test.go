package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"clinic-chat/config"
	"clinic-chat/models"
	"clinic-chat/utils"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhook(t *testing.T, body string) *WebhookEnvelope {
	t.Helper()
	env, err := ParseWebhook([]byte(body), "")
	require.NoError(t, err)
	return env
}

func textWebhook(id, from, body string) string {
	return fmt.Sprintf(`{"event":"message","session":"clinic-main","payload":{"id":%q,"timestamp":1700000000,"from":%q,"fromMe":false,"body":%q,"hasMedia":false,"_data":{"notifyName":"Maria Silva"}}}`, id, from, body)
}

func TestShouldProcess(t *testing.T) {
	cases := []struct {
		name   string
		event  string
		media  MediaRef
		source Source
		want   bool
	}{
		{"direct text", "message", MediaRef{}, SourceDirect, true},
		{"relay text", "message", MediaRef{}, SourceRelay, false},
		{"direct media without ref", "message", MediaRef{Declared: true}, SourceDirect, false},
		{"relay media with ref", "message", MediaRef{Declared: true, Ref: "data:image/png;base64,AA=="}, SourceRelay, true},
		{"direct media with url", "message.any", MediaRef{Declared: true, Ref: "http://waha/file.jpg"}, SourceDirect, true},
		{"relay ref without flag", "message", MediaRef{Ref: "http://waha/file.jpg"}, SourceRelay, true},
		{"non message event on relay", "message.ack", MediaRef{}, SourceRelay, true},
		{"revocation on direct", "message.revoked", MediaRef{}, SourceDirect, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldProcess(tc.event, tc.media, tc.source))
		})
	}
}

func TestParseAddress(t *testing.T) {
	phone, ok, err := ParseAddress("5511988887777@c.us")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5511988887777", phone)

	phone, ok, err = ParseAddress("5511988887777@s.whatsapp.net")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5511988887777", phone)

	phone, ok, err = ParseAddress("120363025246125486@g.us")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "120363025246125486@g.us", phone)

	_, ok, err = ParseAddress("status@broadcast")
	require.NoError(t, err)
	assert.False(t, ok)

	phone, ok, err = ParseAddress("5511988887777")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5511988887777", phone)

	_, _, err = ParseAddress("  ")
	assert.Equal(t, utils.CodeInvalidArgument, utils.CodeOf(err))
}

func TestIngestDirectThenRelayStoresOnce(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()
	body := textWebhook("false_5511988887777@c.us_AAA", "5511988887777@c.us", "Olá, gostaria de marcar")

	res, err := p.ingestor.Handle(ctx, webhook(t, body), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Status)

	res, err = p.ingestor.Handle(ctx, webhook(t, body), SourceRelay)
	require.NoError(t, err)
	assert.Equal(t, IngestSkipped, res.Status)

	assert.EqualValues(t, 1, p.count(t, &models.Message{}))
	assert.EqualValues(t, 1, p.count(t, &models.Conversation{}))
	assert.Len(t, p.sink.byKind(EventNewMessage), 1)
}

func TestIngestRedeliveryIsDuplicate(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()
	body := textWebhook("false_5511988887777@c.us_DUP", "5511988887777@c.us", "oi")

	first, err := p.ingestor.Handle(ctx, webhook(t, body), SourceDirect)
	require.NoError(t, err)
	second, err := p.ingestor.Handle(ctx, webhook(t, body), SourceDirect)
	require.NoError(t, err)

	assert.Equal(t, IngestDuplicate, second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)
	conv, err := p.conversations.Get(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Len(t, p.sink.byKind(EventNewMessage), 1)
}

func TestIngestStatusBroadcastIsFiltered(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	body := textWebhook("false_status@broadcast_S1", "status@broadcast", "story")

	res, err := p.ingestor.Handle(context.Background(), webhook(t, body), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestFiltered, res.Status)
	assert.EqualValues(t, 0, p.count(t, &models.Conversation{}))
	assert.EqualValues(t, 0, p.count(t, &models.Message{}))
	assert.Empty(t, p.sink.events)
}

func TestIngestNumericNamesFallBackToPhone(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	body := `{"event":"message","session":"clinic-main","me":{"id":"5511000000000@c.us","pushName":"5511999999999"},
		"payload":{"id":"false_x_NUM","from":"5511988887777@c.us","body":"oi",
		"_data":{"notifyName":"5511999999999","pushName":"5511999999999"}}}`

	res, err := p.ingestor.Handle(context.Background(), webhook(t, body), SourceDirect)
	require.NoError(t, err)
	conv, err := p.conversations.Get(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "5511988887777", conv.ContactName)
	assert.Equal(t, "5511988887777", conv.PhoneNumber)
}

func TestIngestContactNameFromNotifyName(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	res, err := p.ingestor.Handle(context.Background(),
		webhook(t, textWebhook("false_x_NAME", "5511988887777@c.us", "oi")), SourceDirect)
	require.NoError(t, err)
	conv, err := p.conversations.Get(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "Maria Silva", conv.ContactName)
}

func TestIngestUnreadCounting(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()

	var convID string
	for i := 0; i < 3; i++ {
		body := textWebhook(fmt.Sprintf("false_x_IN%d", i), "5511988887777@c.us", fmt.Sprintf("mensagem %d", i))
		res, err := p.ingestor.Handle(ctx, webhook(t, body), SourceDirect)
		require.NoError(t, err)
		convID = res.ConversationID
	}
	conv, err := p.conversations.Get(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 3, conv.UnreadCount)
	assert.True(t, conv.IsUnread)

	conv, err = p.conversations.MarkRead(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.False(t, conv.IsUnread)

	outbound := `{"event":"message.any","session":"clinic-main","payload":{"id":"true_x_OUT1","timestamp":1700000100,
		"from":"5511000000000@c.us","to":"5511988887777@c.us","fromMe":true,"body":"Confirmado para amanhã","ack":1}}`
	res, err := p.ingestor.Handle(ctx, webhook(t, outbound), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, convID, res.ConversationID)

	conv, err = p.conversations.Get(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.False(t, conv.IsUnread)
	assert.Equal(t, "Confirmado para amanhã", conv.LastMessagePreview)

	msg, err := p.messages.FindByProviderID(ctx, "true_x_OUT1")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOutgoing, msg.Direction)
	assert.Equal(t, models.StatusSent, msg.Status)
}

func TestIngestRelayBase64StoresAttachment(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()
	data := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes"))
	body := fmt.Sprintf(`{"event":"message","session":"clinic-main","payload":{"id":"false_x_IMG","from":"5511988887777@c.us",
		"hasMedia":true,"type":"image","body":%q,"mediaUrl":%q}}`, data, data)

	res, err := p.ingestor.Handle(ctx, webhook(t, body), SourceRelay)
	require.NoError(t, err)
	require.Equal(t, IngestProcessed, res.Status)

	msg, err := p.messages.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.TypeImage, msg.Type)
	assert.Empty(t, msg.Content)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "image/jpeg", msg.Attachment.MimeType)
	assert.EqualValues(t, len("fake-jpeg-bytes"), msg.Attachment.FileSize)
	assert.Contains(t, msg.Attachment.FileURL, testStorageBase+"/media/whatsapp/clinic-main/")
	assert.NotContains(t, msg.Attachment.FileURL, "data:")

	raw, ok := msg.Metadata["raw"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, omittedMedia, raw["body"])
	assert.Equal(t, omittedMedia, raw["mediaUrl"])
	assert.Len(t, p.storage.keys(), 1)
}

func TestIngestRedeliveredMediaUploadsOnce(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()
	data := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("same-photo"))
	body := fmt.Sprintf(`{"event":"message","session":"clinic-main","payload":{"id":"false_x_IMG2","from":"5511988887777@c.us",
		"hasMedia":true,"type":"image","mediaUrl":%q}}`, data)

	first, err := p.ingestor.Handle(ctx, webhook(t, body), SourceRelay)
	require.NoError(t, err)
	require.Equal(t, IngestProcessed, first.Status)

	second, err := p.ingestor.Handle(ctx, webhook(t, body), SourceRelay)
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	assert.EqualValues(t, 1, p.count(t, &models.Attachment{}))
	assert.Len(t, p.storage.keys(), 1)
	assert.Len(t, p.sink.byKind(EventNewMessage), 1)
}

func TestIngestRemovesUploadWhenMessageNotStored(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()
	require.NoError(t, p.db.Migrator().DropTable(&models.Attachment{}))
	data := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	body := fmt.Sprintf(`{"event":"message","session":"clinic-main","payload":{"id":"false_x_LOST","from":"5511988887777@c.us",
		"hasMedia":true,"type":"image","mediaUrl":%q}}`, data)

	_, err := p.ingestor.Handle(ctx, webhook(t, body), SourceRelay)
	require.Error(t, err)
	assert.EqualValues(t, 0, p.count(t, &models.Message{}))
	assert.Empty(t, p.storage.keys())
	assert.Empty(t, p.sink.events)
}

func TestIngestRevocationDeletesMessageAndAttachment(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()
	data := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString([]byte("%PDF-1.4"))
	body := fmt.Sprintf(`{"event":"message","session":"clinic-main","payload":{"id":"ABC","from":"5511988887777@c.us",
		"hasMedia":true,"type":"document","mediaUrl":%q,"media":{"filename":"exame.pdf"}}}`, data)
	_, err := p.ingestor.Handle(ctx, webhook(t, body), SourceRelay)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.count(t, &models.Attachment{}))

	revoke := `{"event":"message.revoked","session":"clinic-main","payload":{"revokedMessageId":"ABC"}}`
	res, err := p.ingestor.Handle(ctx, webhook(t, revoke), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Status)
	assert.EqualValues(t, 0, p.count(t, &models.Message{}))
	assert.EqualValues(t, 0, p.count(t, &models.Attachment{}))
	assert.Empty(t, p.storage.keys())

	deleted := p.sink.byKind(EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, "ABC", *deleted[0].Message.ProviderMessageID)
	assert.NotNil(t, deleted[0].Conversation)

	res, err = p.ingestor.Handle(ctx, webhook(t, revoke), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestNoop, res.Status)
	assert.Len(t, p.sink.byKind(EventMessageDeleted), 1)
}

func TestIngestRevocationUsesBeforeID(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()
	_, err := p.ingestor.Handle(ctx, webhook(t, textWebhook("OLD1", "5511988887777@c.us", "oops")), SourceDirect)
	require.NoError(t, err)

	revoke := `{"event":"message.revoked","session":"clinic-main","payload":{"before":{"id":"OLD1"}}}`
	res, err := p.ingestor.Handle(ctx, webhook(t, revoke), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Status)
	assert.EqualValues(t, 0, p.count(t, &models.Message{}))

	_, err = p.ingestor.Handle(ctx, webhook(t, `{"event":"message.revoked","session":"clinic-main","payload":{}}`), SourceDirect)
	assert.Equal(t, utils.CodeInvalidArgument, utils.CodeOf(err))
}

func TestIngestBase64UploadFailureKeepsMessage(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	p.storage.failPut = errors.New("bucket unavailable")
	ctx := context.Background()
	data := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png"))
	body := fmt.Sprintf(`{"event":"message","session":"clinic-main","payload":{"id":"false_x_FAIL","from":"5511988887777@c.us",
		"hasMedia":true,"type":"image","mediaUrl":%q}}`, data)

	_, err := p.media.IngestFromBase64(ctx, data, models.TypeImage, "clinic-main", MediaHint{})
	require.Error(t, err)

	res, err := p.ingestor.Handle(ctx, webhook(t, body), SourceRelay)
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Status)

	msg, err := p.messages.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Nil(t, msg.Attachment)
	assert.Equal(t, models.TypeText, msg.Type)
	assert.Equal(t, models.TypeImage, msg.Metadata["originalType"])
	assert.EqualValues(t, 0, p.count(t, &models.Attachment{}))
}

func TestIngestURLDownloadFailureKeepsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	p := newPipeline(t, config.WAHA{BaseURL: srv.URL})
	ctx := context.Background()
	fileURL := srv.URL + "/api/files/clinic-main/voice.oga"

	assert.Nil(t, p.media.IngestFromURL(ctx, fileURL, models.TypePTT, "clinic-main", MediaHint{}))

	body := fmt.Sprintf(`{"event":"message","session":"clinic-main","payload":{"id":"false_x_VOICE","from":"5511988887777@c.us",
		"hasMedia":true,"type":"ptt","media":{"url":%q,"mimetype":"audio/ogg; codecs=opus"}}}`, fileURL)
	res, err := p.ingestor.Handle(ctx, webhook(t, body), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Status)

	msg, err := p.messages.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Nil(t, msg.Attachment)
	assert.Equal(t, models.TypeText, msg.Type)
	assert.Equal(t, models.TypePTT, msg.Metadata["originalType"])
}

func TestIngestDirectURLDownloadsMedia(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "audio/ogg")
		w.Write([]byte("OggS-voice-note"))
	}))
	defer srv.Close()

	p := newPipeline(t, config.WAHA{BaseURL: srv.URL, APIKey: "secret-key"})
	body := fmt.Sprintf(`{"event":"message","session":"clinic-main","payload":{"id":"false_x_PTT","from":"5511988887777@c.us",
		"hasMedia":true,"type":"ptt","media":{"url":"%s/api/files/voice.oga","mimetype":"audio/ogg; codecs=opus"}}}`, srv.URL)

	res, err := p.ingestor.Handle(context.Background(), webhook(t, body), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", gotKey)

	msg, err := p.messages.FindByID(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.TypePTT, msg.Type)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, models.AttachmentAudio, msg.Attachment.Type)
	assert.Equal(t, "audio/ogg", msg.Attachment.MimeType)
	assert.Equal(t, "voice.oga", msg.Attachment.FileName)
}

func TestIngestAckMovesStatusForward(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	ctx := context.Background()
	outbound := `{"event":"message.any","session":"clinic-main","payload":{"id":"true_x_ACK","to":"5511988887777@c.us","fromMe":true,"body":"ok","ack":1}}`
	_, err := p.ingestor.Handle(ctx, webhook(t, outbound), SourceDirect)
	require.NoError(t, err)

	ack := func(level int) *IngestResult {
		body := fmt.Sprintf(`{"event":"message.ack","session":"clinic-main","payload":{"id":"true_x_ACK","ack":%d}}`, level)
		res, err := p.ingestor.Handle(ctx, webhook(t, body), SourceDirect)
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, IngestProcessed, ack(4).Status)
	assert.Equal(t, IngestNoop, ack(3).Status)

	msg, err := p.messages.FindByProviderID(ctx, "true_x_ACK")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, msg.Status)
	assert.NotNil(t, msg.ReadAt)
	assert.Len(t, p.sink.byKind(EventStatusChanged), 1)

	unknown := `{"event":"message.ack","session":"clinic-main","payload":{"id":"missing","ack":2}}`
	res, err := p.ingestor.Handle(ctx, webhook(t, unknown), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestNoop, res.Status)
}

func TestIngestSessionStatusBroadcasts(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	env, err := ParseWebhook([]byte(`{"session":"clinic-main","payload":{"status":"WORKING"}}`), "session.status")
	require.NoError(t, err)

	res, err := p.ingestor.Handle(context.Background(), env, SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Status)
	require.Equal(t, []string{"whatsapp:status"}, p.broadcaster.events)
	payload := p.broadcaster.data[0].(map[string]interface{})
	assert.Equal(t, "WORKING", payload["status"])
	assert.Equal(t, "clinic-main", payload["sessionName"])
}

func TestIngestUnknownEventIgnored(t *testing.T) {
	p := newPipeline(t, config.WAHA{})
	res, err := p.ingestor.Handle(context.Background(),
		webhook(t, `{"event":"presence.update","session":"clinic-main","payload":{}}`), SourceDirect)
	require.NoError(t, err)
	assert.Equal(t, IngestIgnored, res.Status)
}

func TestMessagePreview(t *testing.T) {
	assert.Equal(t, "[image]", MessagePreview("", models.TypeImage))
	assert.Equal(t, "", MessagePreview("  ", models.TypeText))
	long := ""
	for i := 0; i < 150; i++ {
		long += "á"
	}
	assert.Len(t, []rune(MessagePreview(long, models.TypeText)), 100)
}
