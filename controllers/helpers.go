package controllers

import (
	"strconv"

	"clinic-chat/services"

	"github.com/gin-gonic/gin"
)

// actorFrom reads the operator set by the auth middleware.
func actorFrom(c *gin.Context) services.Actor {
	return services.Actor{
		ID:   c.GetString("user_id"),
		Name: c.GetString("user_name"),
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil {
		return v
	}
	return def
}
