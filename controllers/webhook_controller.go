package controllers

import (
	"errors"
	"net/http"

	"clinic-chat/services"
	"clinic-chat/utils"

	"github.com/gin-gonic/gin"
)

// webhookEnvelopeSlack is room for the envelope around an inline media payload.
const webhookEnvelopeSlack = 64 << 10

type WebhookController struct {
	ingestor *services.Ingestor
	maxBody  int64
}

// NewWebhookController caps request bodies at what a base64 file of
// mediaMaxBytes needs. A non-positive mediaMaxBytes disables the cap.
func NewWebhookController(ingestor *services.Ingestor, mediaMaxBytes int64) *WebhookController {
	return &WebhookController{ingestor: ingestor, maxBody: webhookBodyLimit(mediaMaxBytes)}
}

func webhookBodyLimit(mediaMaxBytes int64) int64 {
	if mediaMaxBytes <= 0 {
		return 0
	}
	return (mediaMaxBytes+2)/3*4 + webhookEnvelopeSlack
}

// ReceiveDirect handles POST /api/chat/webhook/waha/message
func (w *WebhookController) ReceiveDirect(c *gin.Context) {
	w.receive(c, services.SourceDirect, "")
}

// ReceiveRelay handles POST /api/chat/webhook/n8n/message
func (w *WebhookController) ReceiveRelay(c *gin.Context) {
	w.receive(c, services.SourceRelay, "")
}

// ReceiveStatus handles POST /api/chat/webhook/waha/status
func (w *WebhookController) ReceiveStatus(c *gin.Context) {
	w.receive(c, services.SourceDirect, "session.status")
}

func (w *WebhookController) receive(c *gin.Context, source services.Source, defaultEvent string) {
	if w.maxBody > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, w.maxBody)
	}
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(c, utils.NewError(utils.CodeTooLarge, "webhook body too large"))
			return
		}
		utils.RespondError(c, utils.InvalidArg("unreadable body"))
		return
	}
	env, err := services.ParseWebhook(body, defaultEvent)
	if err != nil {
		utils.RespondError(c, err)
		return
	}

	result, err := w.ingestor.Handle(c.Request.Context(), env, source)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, result, gin.H{"status": result.Status})
}
