package presence

import (
	"context"
	"sort"
	"sync"

	"chat-delivery/internal/models"
)

// Conn is a live channel to one connected user.
type Conn interface {
	// ID identifies the connection for logs.
	ID() string
	// Push queues msg for the client. It returns models.ErrConnClosed when
	// the connection is closing and ctx.Err() semantics wrapped in
	// models.ErrDeliveryTimeout when ctx ends first.
	Push(ctx context.Context, msg models.Message) error
	// Close shuts the connection down with reason. Calls after the first are
	// no-ops.
	Close(reason error)
}

// Registry maps a user to at most one live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register stores conn as the user's live connection. A previous connection
// is closed with models.ErrPresenceConflict after the swap, outside the lock.
// It reports whether a previous connection was replaced.
func (r *Registry) Register(userID string, conn Conn) bool {
	r.mu.Lock()
	prev, ok := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if ok && prev != conn {
		prev.Close(models.ErrPresenceConflict)
		return true
	}
	return false
}

// Lookup returns the user's live connection if there is one.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Unregister removes the entry only while it still points at conn, so a
// late disconnect of a replaced connection cannot evict its successor.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[userID]; ok && cur == conn {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Online reports whether the user has a live connection on this instance.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Count returns the number of connected users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the ids of connected users in sorted order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// CloseAll closes every registered connection with reason. Connections
// unregister themselves as they close.
func (r *Registry) CloseAll(reason error) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close(reason)
	}
}
