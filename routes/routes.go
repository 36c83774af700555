package routes

import (
	"clinic-chat/controllers"
	"clinic-chat/middlewares"
	"clinic-chat/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Webhooks      *controllers.WebhookController
	Conversations *controllers.ConversationController
	Messages      *controllers.MessageController
	Hub           *services.Hub
	JWTSecret     string
	CORSOrigins   []string
}

// RegisterRoutes builds the engine with every route.
func RegisterRoutes(h Handlers) *gin.Engine {
	r := gin.Default()

	origins := h.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Api-Key"},
		AllowCredentials: true,
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowOriginFunc = func(string) bool { return true }
	} else {
		corsConfig.AllowOrigins = origins
	}
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	r.GET("/ws", controllers.WSController(h.Hub))

	chat := r.Group("/api/chat")

	// provider callbacks, authenticated by the provider's network position
	webhooks := chat.Group("/webhook")
	{
		webhooks.POST("/waha/message", h.Webhooks.ReceiveDirect)
		webhooks.POST("/n8n/message", h.Webhooks.ReceiveRelay)
		webhooks.POST("/waha/status", h.Webhooks.ReceiveStatus)
	}

	protected := chat.Group("")
	protected.Use(middlewares.TokenAuthMiddleware(h.JWTSecret))
	{
		protected.GET("/conversations", h.Conversations.ListConversations)
		protected.GET("/conversations/:id", h.Conversations.GetConversation)
		protected.POST("/conversations/:id/mark-read", h.Conversations.MarkRead)
		protected.POST("/conversations/:id/mark-unread", h.Conversations.MarkUnread)
		protected.POST("/conversations/:id/assign", h.Conversations.Assign)
		protected.POST("/conversations/:id/participants", h.Conversations.AddParticipant)
		protected.DELETE("/conversations/:id/participants", h.Conversations.RemoveParticipant)
		protected.POST("/conversations/:id/tags", h.Conversations.AddTag)
		protected.DELETE("/conversations/:id/tags", h.Conversations.RemoveTag)
		protected.POST("/conversations/:id/archive", h.Conversations.Archive)
		protected.POST("/conversations/:id/unarchive", h.Conversations.Unarchive)
		protected.POST("/conversations/:id/resolve", h.Conversations.Resolve)
		protected.POST("/conversations/:id/reopen", h.Conversations.Reopen)
		protected.PUT("/conversations/:id/priority", h.Conversations.SetPriority)
		protected.PUT("/conversations/:id/attributes/:key", h.Conversations.SetAttribute)
		protected.DELETE("/conversations/:id/attributes/:key", h.Conversations.RemoveAttribute)
		protected.GET("/conversations/:id/messages", h.Messages.GetMessagesByConversationID)
		protected.POST("/conversations/:id/messages", h.Messages.SendMessage)
		protected.GET("/stats", h.Conversations.Stats)
		protected.GET("/media/:messageId", h.Messages.GetMediaURL)
		protected.GET("/media/:messageId/content", h.Messages.DownloadMedia)
		protected.GET("/online-users", controllers.OnlineUsers(h.Hub))
		protected.GET("/online-users/:userId", controllers.UserPresence(h.Hub))
	}

	return r
}
