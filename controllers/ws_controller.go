package controllers

import (
	"clinic-chat/services"
	"clinic-chat/utils"

	"github.com/gin-gonic/gin"
)

func WSController(hub *services.Hub) gin.HandlerFunc {
	return services.HandleWebSocket(hub)
}

// OnlineUsers GET /online-users
func OnlineUsers(hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := hub.OnlineUserIDs()
		utils.RespondSuccess(c, gin.H{"userIds": ids, "count": hub.OnlineUsersCount()}, nil)
	}
}

// UserPresence GET /online-users/:userId
func UserPresence(hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		utils.RespondSuccess(c, gin.H{"userId": userID, "online": hub.IsUserOnline(userID)}, nil)
	}
}
