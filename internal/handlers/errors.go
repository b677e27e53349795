package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-delivery/internal/logging"
	"chat-delivery/internal/middleware"
	"chat-delivery/internal/models"
)

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, middleware.ErrIdentityMissing):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, middleware.ErrIdentityMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrStorage):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message store unavailable", "retry": true})
	default:
		l := logging.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
