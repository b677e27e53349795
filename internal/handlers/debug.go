package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-delivery/internal/presence"
	"chat-delivery/internal/telemetry"
)

// DebugHandler serves operator endpoints that are off by default.
type DebugHandler struct {
	emitter  *telemetry.AuditEmitter
	registry *presence.Registry
}

func NewDebugHandler(emitter *telemetry.AuditEmitter, registry *presence.Registry) *DebugHandler {
	return &DebugHandler{emitter: emitter, registry: registry}
}

// RegisterDebugRoutes mounts the debug endpoints under /debug when enabled.
func RegisterDebugRoutes(router gin.IRouter, h *DebugHandler, enabled bool) {
	if !enabled || h == nil {
		return
	}
	debug := router.Group("/debug")
	debug.GET("/audit-test", h.AuditTest)
	debug.GET("/connections", h.Connections)
}

// AuditTest publishes a test audit event end to end.
func (h *DebugHandler) AuditTest(c *gin.Context) {
	if h.emitter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
		return
	}
	requestID := requestIDFromContext(c)
	h.emitter.Emit(c.Request.Context(), "INFO", "audit test", requestID, userIDFromContext(c))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestID})
}

// Connections lists users with a live channel on this instance.
func (h *DebugHandler) Connections(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusOK, gin.H{"count": 0, "users": []string{}})
		return
	}
	users := h.registry.Users()
	c.JSON(http.StatusOK, gin.H{"count": len(users), "users": users})
}
