// Package delivery persists messages and pushes them to connected recipients.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-delivery/internal/logging"
	"chat-delivery/internal/models"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/presence"
	"chat-delivery/internal/repositories"
)

// DefaultPushTimeout bounds a live push when none is configured.
const DefaultPushTimeout = 5 * time.Second

// Locator finds the live connection of a user.
type Locator interface {
	Lookup(userID string) (presence.Conn, bool)
}

// Auditor records stored messages.
type Auditor interface {
	MessageStored(ctx context.Context, requestID string, msg models.Message, delivered bool)
}

type SendRequest struct {
	From           string
	To             string
	Body           string
	IdempotencyKey string
	RequestID      string
}

type SendResult struct {
	Message models.Message
	// Created is false when the request replayed an earlier idempotency key.
	Created bool
	// Delivered reports whether the message reached the recipient's live
	// connection during this call.
	Delivered bool
}

type Router struct {
	store         repositories.MessageRepository
	locator       Locator
	auditor       Auditor
	pushTimeout   time.Duration
	maxBodyLength int
	tracer        trace.Tracer
}

type Option func(*Router)

func WithAuditor(a Auditor) Option {
	return func(r *Router) { r.auditor = a }
}

func WithPushTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.pushTimeout = d
		}
	}
}

func WithMaxBodyLength(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxBodyLength = n
		}
	}
}

func NewRouter(store repositories.MessageRepository, locator Locator, opts ...Option) *Router {
	r := &Router{
		store:         store,
		locator:       locator,
		pushTimeout:   DefaultPushTimeout,
		maxBodyLength: models.DefaultMaxBodyLength,
		tracer:        observability.Tracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send stores the message and, for newly stored messages, pushes it to the
// recipient's live connection. Only validation and storage failures are
// returned; a failed push leaves the message for the recipient's next read.
func (r *Router) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	start := time.Now()
	defer func() { observability.ObserveSend(time.Since(start)) }()

	ctx, span := r.tracer.Start(ctx, "delivery.Send", trace.WithAttributes(
		attribute.String("chat.from", req.From),
		attribute.String("chat.to", req.To),
	))
	defer span.End()

	l := logging.Ctx(ctx).With().Str(logging.FieldFrom, req.From).Str(logging.FieldTo, req.To).Logger()

	if err := r.validate(req); err != nil {
		observability.IncSendFailure("validation")
		span.SetStatus(codes.Error, "validation")
		return SendResult{}, err
	}

	msg, created, err := r.store.Append(ctx, models.NewMessage{
		From:           req.From,
		To:             req.To,
		Body:           req.Body,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		reason := "storage"
		if errors.Is(err, models.ErrValidation) {
			reason = "validation"
		}
		observability.IncSendFailure(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		l.Warn().Err(err).Msg("send failed")
		return SendResult{}, err
	}

	observability.IncMessageStored(created)
	span.SetAttributes(
		attribute.String("chat.message_id", msg.ID),
		attribute.Int64("chat.seq", msg.Seq),
		attribute.Bool("chat.created", created),
	)
	l = l.With().Str(logging.FieldMessageID, msg.ID).Int64(logging.FieldSeq, msg.Seq).Logger()

	result := SendResult{Message: msg, Created: created}
	if !created {
		l.Debug().Msg("idempotent replay, skipping push")
		return result, nil
	}

	result.Delivered = r.push(ctx, msg)
	span.SetAttributes(attribute.Bool("chat.delivered", result.Delivered))
	l.Info().Bool("delivered", result.Delivered).Msg("message stored")

	if r.auditor != nil {
		r.auditor.MessageStored(ctx, req.RequestID, msg, result.Delivered)
	}
	return result, nil
}

func (r *Router) validate(req SendRequest) error {
	if err := models.ValidateParties(req.From, req.To); err != nil {
		return err
	}
	return models.ValidateBody(req.Body, r.maxBodyLength)
}

// push delivers msg to the recipient if connected and reports success.
func (r *Router) push(ctx context.Context, msg models.Message) bool {
	conn, ok := r.locator.Lookup(msg.To)
	if !ok {
		observability.IncPush(observability.PushOffline)
		return false
	}

	ctx, span := r.tracer.Start(ctx, "delivery.push", trace.WithAttributes(attribute.String("chat.conn_id", conn.ID())))
	defer span.End()

	// The message is stored by now; only pushTimeout bounds the push.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.pushTimeout)
	defer cancel()

	err := conn.Push(pushCtx, msg)
	if err == nil {
		observability.IncPush(observability.PushDelivered)
		return true
	}

	outcome := observability.PushFailed
	switch {
	case errors.Is(err, models.ErrDeliveryTimeout), errors.Is(err, context.DeadlineExceeded):
		outcome = observability.PushTimeout
	case errors.Is(err, models.ErrConnClosed):
		outcome = observability.PushClosed
	}
	observability.IncPush(outcome)
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)

	l := logging.Ctx(ctx)
	l.Warn().Err(err).
		Str(logging.FieldMessageID, msg.ID).
		Str(logging.FieldTo, msg.To).
		Str(logging.FieldConnID, conn.ID()).
		Str(logging.FieldReason, outcome).
		Msg("live push failed, recipient will see the message on next read")
	return false
}

// History returns the ordered transcript between userA and userB.
func (r *Router) History(ctx context.Context, userA, userB string) ([]models.Message, error) {
	ctx, span := r.tracer.Start(ctx, "delivery.History")
	defer span.End()

	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: from and to are required", models.ErrValidation)
	}
	msgs, err := r.store.ReadAll(ctx, userA, userB)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read")
		return nil, err
	}
	span.SetAttributes(attribute.Int("chat.count", len(msgs)))
	return msgs, nil
}
