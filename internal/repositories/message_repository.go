package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-delivery/internal/models"
)

// MessageRepository is the durable, append-only log of two-party conversations.
type MessageRepository interface {
	// Append stores a message and reports whether it was newly created. A
	// repeated idempotency key within the same conversation returns the
	// message stored by the first call.
	Append(ctx context.Context, msg models.NewMessage) (models.Message, bool, error)
	// ReadAll returns the conversation between userA and userB, oldest first.
	ReadAll(ctx context.Context, userA, userB string) ([]models.Message, error)
}

const messageColumns = `id, conversation_key, seq, sender_id, recipient_id, body, idempotency_key, created_at`

// MessageRepo is a sqlx-backed repository on Postgres.
type MessageRepo struct {
	db            *sqlx.DB
	maxBodyLength int
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB, maxBodyLength int) *MessageRepo {
	return &MessageRepo{db: db, maxBodyLength: maxBodyLength}
}

// Append stores a message. Appends to the same conversation are serialized
// with a transaction-scoped advisory lock on the conversation key, so seq
// follows commit order.
func (r *MessageRepo) Append(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	if err := validateNewMessage(in, r.maxBodyLength); err != nil {
		return models.Message{}, false, err
	}
	key := models.ConversationKey(in.From, in.To)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, false, storageErr("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return models.Message{}, false, storageErr("lock conversation", err)
	}

	if in.IdempotencyKey != "" {
		var existing models.Message
		err := tx.GetContext(ctx, &existing, `SELECT `+messageColumns+` FROM conversation_messages
            WHERE conversation_key=$1 AND idempotency_key=$2`, key, in.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, false, storageErr("lookup idempotency key", err)
		}
	}

	var next int64
	if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE conversation_key=$1`, key); err != nil {
		return models.Message{}, false, storageErr("next sequence", err)
	}

	var msg models.Message
	err = tx.QueryRowxContext(ctx, `INSERT INTO conversation_messages (id, conversation_key, seq, sender_id, recipient_id, body, idempotency_key)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+messageColumns,
		newMessageID(time.Now()), key, next, in.From, in.To, in.Body, nullableKey(in.IdempotencyKey)).
		StructScan(&msg)
	if err != nil {
		return models.Message{}, false, storageErr("insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, false, storageErr("commit", err)
	}
	return msg, true, nil
}

// ReadAll returns the ordered transcript between two users.
func (r *MessageRepo) ReadAll(ctx context.Context, userA, userB string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM conversation_messages
        WHERE conversation_key=$1
        ORDER BY seq ASC`, models.ConversationKey(userA, userB))
	if err != nil {
		return nil, storageErr("read conversation", err)
	}
	return msgs, nil
}

func validateNewMessage(in models.NewMessage, maxBodyLength int) error {
	if err := models.ValidateParties(in.From, in.To); err != nil {
		return err
	}
	return models.ValidateBody(in.Body, maxBodyLength)
}

func nullableKey(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorage, op, err)
}
