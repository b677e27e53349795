package repositories

import (
	"context"
	"sync"
	"time"

	"chat-delivery/internal/models"
)

type conversationLog struct {
	mu       sync.Mutex
	messages []models.Message
	byKey    map[string]int
}

// MemoryMessageRepo keeps conversations in process memory. Each conversation
// has its own lock; appends to different conversations do not contend.
type MemoryMessageRepo struct {
	mu            sync.Mutex
	logs          map[string]*conversationLog
	maxBodyLength int
	now           func() time.Time
}

// NewMemoryMessageRepo constructs an empty MemoryMessageRepo.
func NewMemoryMessageRepo(maxBodyLength int) *MemoryMessageRepo {
	return &MemoryMessageRepo{
		logs:          make(map[string]*conversationLog),
		maxBodyLength: maxBodyLength,
		now:           time.Now,
	}
}

func (r *MemoryMessageRepo) conversation(key string, create bool) *conversationLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.logs[key]
	if !ok && create {
		log = &conversationLog{byKey: make(map[string]int)}
		r.logs[key] = log
	}
	return log
}

// Append stores a message at the end of its conversation.
func (r *MemoryMessageRepo) Append(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	if err := validateNewMessage(in, r.maxBodyLength); err != nil {
		return models.Message{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return models.Message{}, false, storageErr("append", err)
	}
	key := models.ConversationKey(in.From, in.To)
	log := r.conversation(key, true)

	log.mu.Lock()
	defer log.mu.Unlock()

	if in.IdempotencyKey != "" {
		if idx, ok := log.byKey[in.IdempotencyKey]; ok {
			return log.messages[idx], false, nil
		}
	}

	now := r.now().UTC()
	if n := len(log.messages); n > 0 && now.Before(log.messages[n-1].CreatedAt) {
		now = log.messages[n-1].CreatedAt
	}
	msg := models.Message{
		ID:              newMessageID(now),
		ConversationKey: key,
		Seq:             int64(len(log.messages)) + 1,
		From:            in.From,
		To:              in.To,
		Body:            in.Body,
		IdempotencyKey:  nullableKey(in.IdempotencyKey),
		CreatedAt:       now,
	}
	log.messages = append(log.messages, msg)
	if in.IdempotencyKey != "" {
		log.byKey[in.IdempotencyKey] = len(log.messages) - 1
	}
	return msg, true, nil
}

// ReadAll returns a copy of the transcript between two users.
func (r *MemoryMessageRepo) ReadAll(ctx context.Context, userA, userB string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("read conversation", err)
	}
	log := r.conversation(models.ConversationKey(userA, userB), false)
	if log == nil {
		return []models.Message{}, nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]models.Message, len(log.messages))
	copy(out, log.messages)
	return out, nil
}
