package controllers

import (
	"fmt"
	"net/http"
	"time"

	"clinic-chat/services"
	"clinic-chat/utils"

	"github.com/gin-gonic/gin"
)

type MessageController struct {
	conversations *services.ConversationService
	messages      *services.MessageService
	media         *services.MediaService
	outbound      *services.OutboundService
	signTTL       time.Duration
}

func NewMessageController(conversations *services.ConversationService, messages *services.MessageService, media *services.MediaService, outbound *services.OutboundService, signTTL time.Duration) *MessageController {
	return &MessageController{
		conversations: conversations,
		messages:      messages,
		media:         media,
		outbound:      outbound,
		signTTL:       signTTL,
	}
}

// GetMessagesByConversationID GET /conversations/:id/messages?limit=&before=
func (mc *MessageController) GetMessagesByConversationID(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")
	if _, err := mc.conversations.Get(ctx, conversationID); err != nil {
		utils.RespondError(c, err)
		return
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.RespondError(c, utils.InvalidArg("before must be an RFC3339 timestamp"))
			return
		}
		before = &t
	}

	messages, err := mc.messages.ListByConversation(ctx, conversationID, queryInt(c, "limit", 100), before)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, messages, nil)
}

// SendMessage POST /conversations/:id/messages
func (mc *MessageController) SendMessage(c *gin.Context) {
	var input services.SendRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, utils.InvalidArg("invalid request body"))
		return
	}
	msg, err := mc.outbound.Send(c.Request.Context(), c.Param("id"), input, actorFrom(c))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, msg, nil)
}

// GetMediaURL GET /media/:messageId returns a short-lived URL for the attachment.
func (mc *MessageController) GetMediaURL(c *gin.Context) {
	ctx := c.Request.Context()
	msg, err := mc.messages.FindByID(ctx, c.Param("messageId"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	if msg.Attachment == nil {
		utils.RespondError(c, utils.NotFound("message has no attachment"))
		return
	}
	url, err := mc.media.SignedURL(ctx, msg.Attachment.FileURL, mc.signTTL)
	if err != nil {
		utils.RespondError(c, utils.WrapError(utils.CodeInternal, "media url could not be signed", err))
		return
	}
	utils.RespondSuccess(c, gin.H{
		"url":       url,
		"mimeType":  msg.Attachment.MimeType,
		"fileName":  msg.Attachment.FileName,
		"expiresIn": int(mc.signTTL.Seconds()),
	}, nil)
}

// DownloadMedia GET /media/:messageId/content streams the attachment itself.
func (mc *MessageController) DownloadMedia(c *gin.Context) {
	ctx := c.Request.Context()
	msg, err := mc.messages.FindByID(ctx, c.Param("messageId"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	if msg.Attachment == nil {
		utils.RespondError(c, utils.NotFound("message has no attachment"))
		return
	}
	data, err := mc.media.Fetch(ctx, msg.Attachment.FileURL)
	if err != nil {
		utils.RespondError(c, utils.WrapError(utils.CodeNotFound, "media not available", err))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", msg.Attachment.FileName))
	c.Data(http.StatusOK, msg.Attachment.MimeType, data)
}
