package telemetry

import (
	"context"
	"time"

	"chat-delivery/internal/logging"
	"chat-delivery/internal/models"
)

// Audit event types.
const (
	EventAuditLog      = "audit_log"
	EventMessageStored = "message.stored"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int    `json:"schema_version"`
	EventType     string `json:"event_type"`
	OccurredAt    string `json:"occurred_at"`
	Service       string `json:"service"`
	Environment   string `json:"environment"`
	RequestID     string `json:"request_id"`
	UserID        string `json:"user_id,omitempty"`
	Payload       any    `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// MessageStoredPayload describes a newly stored message without its body.
type MessageStoredPayload struct {
	MessageID       string `json:"message_id"`
	ConversationKey string `json:"conversation_key"`
	Seq             int64  `json:"seq"`
	From            string `json:"from"`
	To              string `json:"to"`
	Delivered       bool   `json:"delivered"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID, userID string) {
	if e == nil || e.publisher == nil {
		return
	}

	l := logging.Ctx(ctx)
	l.Debug().Str("level", level).Str(logging.FieldRequestID, requestID).Str(logging.FieldUserID, userID).Str("text", text).Msg("audit emit")
	e.publish(ctx, e.envelope(EventAuditLog, requestID, userID, AuditPayload{Level: level, Text: text}))
}

// MessageStored records that msg entered the store.
func (e *AuditEmitter) MessageStored(ctx context.Context, requestID string, msg models.Message, delivered bool) {
	if e == nil || e.publisher == nil {
		return
	}

	e.publish(ctx, e.envelope(EventMessageStored, requestID, msg.From, MessageStoredPayload{
		MessageID:       msg.ID,
		ConversationKey: msg.ConversationKey,
		Seq:             msg.Seq,
		From:            msg.From,
		To:              msg.To,
		Delivered:       delivered,
	}))
}

func (e *AuditEmitter) envelope(eventType, requestID, userID string, payload any) AuditEnvelope {
	return AuditEnvelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}
}

func (e *AuditEmitter) publish(ctx context.Context, envelope AuditEnvelope) {
	headers := map[string]string{"event_type": envelope.EventType}
	if envelope.RequestID != "" {
		headers["x-request-id"] = envelope.RequestID
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Str("event_type", envelope.EventType).Msg("audit publish failed")
	}
}
