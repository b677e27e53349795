package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-delivery/internal/delivery"
	"chat-delivery/internal/middleware"
	"chat-delivery/internal/models"
)

// HeaderIdempotencyKey lets clients supply the idempotency key out of band.
const HeaderIdempotencyKey = "Idempotency-Key"

// MessageService is the part of the delivery router the HTTP API uses.
type MessageService interface {
	Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error)
	History(ctx context.Context, userA, userB string) ([]models.Message, error)
}

// MessageHandler serves the send and conversation read endpoints.
type MessageHandler struct {
	service MessageService
}

func NewMessageHandler(service MessageService) *MessageHandler {
	return &MessageHandler{service: service}
}

type sendMessageRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key"`
}

type conversationRequest struct {
	From string `json:"from" form:"from"`
	To   string `json:"to" form:"to"`
}

// PostMessage stores a message and pushes it to the recipient when online.
// Replays of an idempotency key return the original message with 200.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, err := middleware.ResolveIdentity(c, models.NormalizeUserID(req.From))
	if err != nil {
		writeError(c, err)
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = c.GetHeader(HeaderIdempotencyKey)
	}

	result, err := h.service.Send(c.Request.Context(), delivery.SendRequest{
		From:           from,
		To:             models.NormalizeUserID(req.To),
		Body:           req.Message,
		IdempotencyKey: key,
		RequestID:      requestIDFromContext(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
	}
	c.JSON(status, result.Message)
}

// ListMessages returns the transcript between from and to, oldest first,
// from the point of view of from. Accepts a JSON body.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	var req conversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.writeConversation(c, req)
}

// GetMessages is ListMessages with query parameters.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	var req conversationRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.writeConversation(c, req)
}

func (h *MessageHandler) writeConversation(c *gin.Context, req conversationRequest) {
	viewer, err := middleware.ResolveIdentity(c, models.NormalizeUserID(req.From))
	if err != nil {
		writeError(c, err)
		return
	}

	msgs, err := h.service.History(c.Request.Context(), viewer, models.NormalizeUserID(req.To))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ToViews(msgs, viewer))
}
