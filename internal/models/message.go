package models

import (
	"strconv"
	"strings"
	"time"
)

// Message is a stored message between two users. Seq is the authoritative
// position of the message inside its conversation.
type Message struct {
	ID              string    `db:"id" json:"id"`
	ConversationKey string    `db:"conversation_key" json:"conversation_key"`
	Seq             int64     `db:"seq" json:"seq"`
	From            string    `db:"sender_id" json:"from"`
	To              string    `db:"recipient_id" json:"to"`
	Body            string    `db:"body" json:"message"`
	IdempotencyKey  *string   `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// NewMessage is the input of a store append.
type NewMessage struct {
	From           string
	To             string
	Body           string
	IdempotencyKey string
}

// ViewMessage is a message as seen from one side of the conversation.
type ViewMessage struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	FromSelf  bool      `json:"fromSelf"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationKey returns the canonical key for the unordered pair {a, b}.
// The length prefix keeps ids containing ':' from colliding.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// ToView projects msg for the viewer.
func ToView(msg Message, viewer string) ViewMessage {
	return ViewMessage{
		ID:        msg.ID,
		Seq:       msg.Seq,
		FromSelf:  msg.From == viewer,
		Message:   msg.Body,
		CreatedAt: msg.CreatedAt,
	}
}

// ToViews projects a transcript for the viewer, preserving order.
func ToViews(msgs []Message, viewer string) []ViewMessage {
	views := make([]ViewMessage, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, ToView(m, viewer))
	}
	return views
}

// NormalizeUserID trims surrounding whitespace from an opaque user id.
func NormalizeUserID(id string) string {
	return strings.TrimSpace(id)
}
