package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// result is the standard JSON envelope for every response this surface sends.
type result struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// GinSuccess sends a standardized success response using gin.Context.
func GinSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, result{Code: 0, Message: "success", Data: data})
}

func ginError(c *gin.Context, statusCode int, err error, messages ...string) {
	msg := "operation failed"
	if len(messages) > 0 {
		msg = messages[0]
	}
	c.JSON(statusCode, result{Code: statusCode, Message: msg, Error: err.Error()})
}

// GinBadRequest sends a 400 Bad Request response.
func GinBadRequest(c *gin.Context, err error, message ...string) {
	msg := "Bad request"
	if len(message) > 0 {
		msg = message[0]
	}
	ginError(c, http.StatusBadRequest, err, msg)
}

// GinInternalError sends a 500 Internal Server Error response.
func GinInternalError(c *gin.Context, err error, message ...string) {
	msg := "Internal server error"
	if len(message) > 0 {
		msg = message[0]
	}
	ginError(c, http.StatusInternalServerError, err, msg)
}
