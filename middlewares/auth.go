package middlewares

import (
	"strconv"
	"strings"

	"clinic-chat/utils"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// TokenAuthMiddleware accepts HS256 bearer tokens signed with secret and puts
// the subject into the context as "user_id" (and "user_name" when present).
func TokenAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			utils.RespondError(c, utils.Unauthorized("authentication is not configured"))
			c.Abort()
			return
		}

		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			utils.RespondError(c, utils.Unauthorized("missing bearer token"))
			c.Abort()
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			utils.RespondError(c, utils.Unauthorized("invalid token"))
			c.Abort()
			return
		}

		userID := claimString(claims, "user_id")
		if userID == "" {
			userID, _ = claims.GetSubject()
		}
		if userID == "" {
			utils.RespondError(c, utils.Unauthorized("token has no subject"))
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		if name := claimString(claims, "name"); name != "" {
			c.Set("user_name", name)
		}
		c.Next()
	}
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
