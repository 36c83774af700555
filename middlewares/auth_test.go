package middlewares

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "clinic-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func newAuthRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", TokenAuthMiddleware(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("user_id"), "name": c.GetString("user_name")})
	})
	return r
}

func call(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTokenAuthAcceptsValidToken(t *testing.T) {
	r := newAuthRouter(testSecret)
	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub":  "u-1",
		"name": "Dra. Ana",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	w := call(r, token)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "u-1", body["user"])
	assert.Equal(t, "Dra. Ana", body["name"])
}

func TestTokenAuthPrefersUserIDClaim(t *testing.T) {
	r := newAuthRouter(testSecret)
	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"user_id": float64(42), "sub": "ignored"})

	w := call(r, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"42"`)
}

func TestTokenAuthRejects(t *testing.T) {
	r := newAuthRouter(testSecret)
	cases := map[string]string{
		"missing":      "",
		"garbage":      "not-a-jwt",
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "u-1"}),
		"expired":      sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u-1", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no subject":   sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"name": "x"}),
		"wrong alg":    sign(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": "u-1"}),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			w := call(r, token)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"success":false`)
		})
	}
}

func TestTokenAuthWithoutSecret(t *testing.T) {
	w := call(newAuthRouter(""), "anything")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication is not configured")
}
