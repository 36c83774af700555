package services

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and starts the connection loops.
// A user_id query parameter authenticates immediately; otherwise the client
// sends an "auth" frame.
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := NewClient(hub, uuid.New().String(), conn)
		hub.Register(client)
		if userID := ctx.Query("user_id"); userID != "" {
			hub.Authenticate(client, userID)
			client.emit("auth:success", map[string]string{"userId": userID, "connectionId": client.ID})
		}

		go client.WriteMessages()
		go client.StartHeartbeat()
		go client.ReadMessages()
	}
}
