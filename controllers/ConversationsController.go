package controllers

import (
	"context"

	"clinic-chat/models"
	"clinic-chat/services"
	"clinic-chat/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type ConversationController struct {
	conversations *services.ConversationService
	events        services.EventSink
	receipts      services.ReadReceipts
}

func NewConversationController(conversations *services.ConversationService, events services.EventSink, receipts services.ReadReceipts) *ConversationController {
	return &ConversationController{conversations: conversations, events: events, receipts: receipts}
}

// ListConversations GET /conversations
func (cc *ConversationController) ListConversations(c *gin.Context) {
	filter := services.ConversationFilter{
		ChannelID:      c.Query("channelId"),
		Status:         c.Query("status"),
		AssignedUserID: c.Query("assignedUserId"),
		Tag:            c.Query("tag"),
		Search:         c.Query("search"),
		UnreadOnly:     c.Query("unreadOnly") == "true",
		Limit:          queryInt(c, "limit", 50),
		Offset:         queryInt(c, "offset", 0),
	}
	convs, total, err := cc.conversations.List(c.Request.Context(), filter)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, convs, gin.H{"total": total})
}

// GetConversation GET /conversations/:id
func (cc *ConversationController) GetConversation(c *gin.Context) {
	conv, err := cc.conversations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, conv, nil)
}

func (cc *ConversationController) Stats(c *gin.Context) {
	stats, err := cc.conversations.Stats(c.Request.Context(), c.Query("channelId"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, stats, nil)
}

func (cc *ConversationController) MarkRead(c *gin.Context) {
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		conv, err := cc.conversations.MarkRead(ctx, id)
		if err != nil || cc.receipts == nil {
			return conv, err
		}
		// the phone keeps its own unread badge
		if err := cc.receipts.SendSeen(ctx, conv.ChannelID, services.ChatID(conv.PhoneNumber)); err != nil {
			log.Warn().Err(err).Str("conversation", conv.ID).Msg("read receipt not sent")
		}
		return conv, nil
	})
}

func (cc *ConversationController) MarkUnread(c *gin.Context) {
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.MarkUnread(ctx, id)
	})
}

func (cc *ConversationController) Assign(c *gin.Context) {
	var input struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, utils.InvalidArg("invalid request body"))
		return
	}
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.Assign(ctx, id, input.UserID, actorFrom(c))
	})
}

func (cc *ConversationController) AddParticipant(c *gin.Context) {
	var input struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, utils.InvalidArg("userId is required"))
		return
	}
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.AddParticipant(ctx, id, input.UserID, actorFrom(c))
	})
}

func (cc *ConversationController) RemoveParticipant(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		utils.RespondError(c, utils.InvalidArg("userId is required"))
		return
	}
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.RemoveParticipant(ctx, id, userID, actorFrom(c))
	})
}

func (cc *ConversationController) AddTag(c *gin.Context) {
	var input struct {
		Tag string `json:"tag" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, utils.InvalidArg("tag is required"))
		return
	}
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.AddTag(ctx, id, input.Tag, actorFrom(c))
	})
}

func (cc *ConversationController) RemoveTag(c *gin.Context) {
	tag := c.Query("tag")
	if tag == "" {
		utils.RespondError(c, utils.InvalidArg("tag is required"))
		return
	}
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.RemoveTag(ctx, id, tag, actorFrom(c))
	})
}

func (cc *ConversationController) Archive(c *gin.Context) {
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.Archive(ctx, id, actorFrom(c))
	})
}

func (cc *ConversationController) Unarchive(c *gin.Context) {
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.Unarchive(ctx, id, actorFrom(c))
	})
}

func (cc *ConversationController) Resolve(c *gin.Context) {
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.Resolve(ctx, id, actorFrom(c))
	})
}

func (cc *ConversationController) Reopen(c *gin.Context) {
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.Reopen(ctx, id, actorFrom(c))
	})
}

func (cc *ConversationController) SetPriority(c *gin.Context) {
	var input struct {
		Priority string `json:"priority" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, utils.InvalidArg("priority is required"))
		return
	}
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.SetPriority(ctx, id, input.Priority, actorFrom(c))
	})
}

func (cc *ConversationController) SetAttribute(c *gin.Context) {
	var input struct {
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, utils.InvalidArg("invalid request body"))
		return
	}
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.SetCustomAttribute(ctx, id, c.Param("key"), input.Value, actorFrom(c))
	})
}

func (cc *ConversationController) RemoveAttribute(c *gin.Context) {
	cc.apply(c, func(ctx context.Context, id string) (*models.Conversation, error) {
		return cc.conversations.RemoveCustomAttribute(ctx, id, c.Param("key"), actorFrom(c))
	})
}

// apply runs a state change on :id, answers with the new row and tells
// connected clients about it.
func (cc *ConversationController) apply(c *gin.Context, fn func(ctx context.Context, id string) (*models.Conversation, error)) {
	conv, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	services.PublishEvent(c.Request.Context(), cc.events, services.ConversationUpdatedEvent(conv))
	utils.RespondSuccess(c, conv, nil)
}
