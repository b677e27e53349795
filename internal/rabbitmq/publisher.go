package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"chat-delivery/internal/config"
	"chat-delivery/internal/logging"
)

// Publisher publishes audit and lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// NewPublisher connects to the configured broker and declares the topic
// exchange. It degrades to a noop publisher when AMQP is not configured or
// the broker cannot be reached, so event publishing never blocks startup.
func NewPublisher(cfg config.AMQPConfig, appID string) Publisher {
	l := logging.L()
	if cfg.URL == "" {
		l.Info().Msg("amqp url not set, events are dropped")
		return noopPublisher{reason: "empty amqp url"}
	}

	p, err := dial(cfg, appID)
	if err != nil {
		l.Warn().Err(err).Msg("amqp unavailable, events are dropped")
		return noopPublisher{reason: err.Error()}
	}
	l.Info().Str("exchange", cfg.Exchange).Msg("amqp publisher connected")
	return p
}

type amqpPublisher struct {
	exchange string
	appID    string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dial(cfg config.AMQPConfig, appID string) (*amqpPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	return &amqpPublisher{exchange: cfg.Exchange, appID: appID, conn: conn, ch: ch}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		AppId:        p.appID,
		Timestamp:    time.Now().UTC(),
		Headers:      toTable(headers),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return amqp.ErrClosed
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		l := logging.Ctx(ctx)
		l.Error().Err(err).Str(logging.FieldRoutingKey, routingKey).Msg("amqp publish failed")
		return err
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(ctx context.Context, routingKey string, _ any, _ map[string]string) error {
	l := logging.Ctx(ctx)
	l.Trace().Str(logging.FieldRoutingKey, routingKey).Msg("event dropped")
	return nil
}

func (noopPublisher) Close() error { return nil }

// Mode reports "amqp" or "noop" for startup logs.
func Mode(p Publisher) string {
	if _, ok := p.(*amqpPublisher); ok {
		return "amqp"
	}
	return "noop"
}

// NoopReason reports why events are being dropped, or "".
func NoopReason(p Publisher) string {
	if n, ok := p.(noopPublisher); ok {
		return n.reason
	}
	return ""
}
