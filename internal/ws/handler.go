package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-delivery/internal/logging"
	"chat-delivery/internal/middleware"
	"chat-delivery/internal/models"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/presence"
)

// Handler upgrades live channel requests and owns the resulting sessions.
type Handler struct {
	registry  *presence.Registry
	directory presence.Directory
	settings  Settings
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewHandler constructs a Handler. A nil directory disables announcements.
func NewHandler(registry *presence.Registry, directory presence.Directory, settings Settings) *Handler {
	if directory == nil {
		directory = presence.NoopDirectory{}
	}
	return &Handler{
		registry:  registry,
		directory: directory,
		settings:  settings.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle serves GET /ws.
func (h *Handler) Handle(c *gin.Context) {
	userID, err := middleware.ResolveIdentity(c, models.NormalizeUserID(c.Query("user_id")))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, middleware.ErrIdentityMismatch) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if h.isClosing() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}

	ctx, span := observability.Tracer().Start(c.Request.Context(), "ws.handshake", trace.WithAttributes(attribute.String("chat.user_id", userID)))
	defer span.End()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request.WithContext(ctx), nil)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Str(logging.FieldUserID, userID).Msg("websocket upgrade failed")
		return
	}

	info := connInfoFromRequest(c.Request, userID, c.GetString(logging.ContextKeyRequestID), observability.TraceIDFromContext(ctx))
	sessionCtx := context.WithoutCancel(ctx)
	session := newSession(conn, info, h.settings, logging.Ctx(ctx), func(s *Session, reason error) {
		h.release(sessionCtx, s, reason)
	})

	if !h.admit(session) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.settings.WriteWait))
		_ = conn.Close()
		return
	}
	h.announce(sessionCtx, session)

	go func() {
		defer h.wg.Done()
		session.run()
	}()
}

func (h *Handler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// admit registers the session unless Shutdown has started. Admission and
// the closing flag share a lock, so every admitted session is either seen
// by Shutdown's CloseAll and Wait or never registered.
func (h *Handler) admit(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	if h.registry.Register(s.UserID(), s) {
		observability.IncPresenceConflict()
		s.log.Info().Msg("replaced previous connection")
	}
	return true
}

func (h *Handler) announce(ctx context.Context, s *Session) {
	if err := h.directory.Announce(ctx, s.UserID(), s.ID()); err != nil {
		s.log.Warn().Err(err).Msg("presence announce failed")
	}

	observability.IncWSActive()
	publishWSEvent(ctx, s.info, eventConnect, "")
	s.log.Info().Msg("live channel connected")
}

// release undoes admit and announce. A session replaced by a newer one leaves the
// registry and directory entries of its successor untouched.
func (h *Handler) release(ctx context.Context, s *Session, reason error) {
	if h.registry.Unregister(s.UserID(), s) {
		if err := h.directory.Withdraw(ctx, s.UserID(), s.ID()); err != nil {
			s.log.Warn().Err(err).Msg("presence withdraw failed")
		}
	}

	observability.DecWSActive()
	reasonText := ""
	if reason != nil {
		reasonText = reason.Error()
	}
	switch {
	case errors.Is(reason, models.ErrPresenceConflict):
		publishWSEvent(ctx, s.info, eventSuperseded, reasonText)
	case reason != nil && !errors.Is(reason, models.ErrConnClosed) && !errors.Is(reason, ErrServerShutdown):
		publishWSEvent(ctx, s.info, eventError, reasonText)
	}
	publishWSEvent(ctx, s.info, eventDisconnect, reasonText)
	s.log.Info().Str(logging.FieldReason, reasonText).Msg("live channel closed")
}

// Shutdown closes every session and waits for their cleanup, or for ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.registry.CloseAll(ErrServerShutdown)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
