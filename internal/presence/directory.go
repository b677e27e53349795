package presence

import "context"

// Directory publishes which instance holds a user's live connection so other
// instances and operators can see it. Local Registry lookups stay
// authoritative for pushes.
type Directory interface {
	Announce(ctx context.Context, userID, connID string) error
	// Withdraw removes the entry only while it still names connID.
	Withdraw(ctx context.Context, userID, connID string) error
	Locate(ctx context.Context, userID string) (string, bool, error)
	Close() error
}

// NoopDirectory is used when no shared store is configured.
type NoopDirectory struct{}

func (NoopDirectory) Announce(context.Context, string, string) error { return nil }

func (NoopDirectory) Withdraw(context.Context, string, string) error { return nil }

func (NoopDirectory) Locate(context.Context, string) (string, bool, error) { return "", false, nil }

func (NoopDirectory) Close() error { return nil }
