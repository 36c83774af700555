package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RespondSuccess writes {"success": true, "data": ...}; extra fields are merged in.
func RespondSuccess(c *gin.Context, data interface{}, extra gin.H) {
	body := gin.H{"success": true, "data": data}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// RespondError writes the error with the status derived from its code.
// Internal errors are reported without their cause.
func RespondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	var appErr *AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status == http.StatusInternalServerError && appErr == nil {
		msg = "internal server error"
	}
	c.JSON(status, gin.H{"success": false, "error": msg, "code": CodeOf(err)})
}
