package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-delivery/internal/logging"
	"chat-delivery/internal/models"
	"chat-delivery/internal/presence"
)

// PresenceHandler reports whether a user has a live channel.
type PresenceHandler struct {
	registry  *presence.Registry
	directory presence.Directory
}

func NewPresenceHandler(registry *presence.Registry, directory presence.Directory) *PresenceHandler {
	if directory == nil {
		directory = presence.NoopDirectory{}
	}
	return &PresenceHandler{registry: registry, directory: directory}
}

func (h *PresenceHandler) GetPresence(c *gin.Context) {
	userID := models.NormalizeUserID(c.Param("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id is required"})
		return
	}

	resp := gin.H{"user_id": userID, "online": h.registry.Online(userID)}

	instance, ok, err := h.directory.Locate(c.Request.Context(), userID)
	if err != nil {
		l := logging.Ctx(c.Request.Context())
		l.Warn().Err(err).Str(logging.FieldUserID, userID).Msg("presence directory lookup failed")
	} else if ok {
		resp["instance"] = instance
	}

	c.JSON(http.StatusOK, resp)
}

// Healthz reports liveness and the number of open live channels.
func (h *PresenceHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.registry.Count()})
}
