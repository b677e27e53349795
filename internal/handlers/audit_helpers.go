package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-delivery/internal/logging"
	"chat-delivery/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(logging.ContextKeyRequestID); id != "" {
		return id
	}

	requestID := c.GetHeader(logging.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(logging.ContextKeyRequestID, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) string {
	if userID, ok := middleware.AuthenticatedUser(c); ok {
		return userID
	}
	return c.GetHeader("X-User-ID")
}
