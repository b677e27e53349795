package models

import "errors"

var (
	// ErrValidation marks a rejected request that must not be retried as is.
	ErrValidation = errors.New("validation failed")
	// ErrStorage marks a failed durable write; callers retry with backoff.
	ErrStorage = errors.New("storage failure")
	// ErrDeliveryTimeout means a push did not reach the recipient channel in time.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrPresenceConflict is the close reason of a connection replaced by a newer one.
	ErrPresenceConflict = errors.New("superseded by a newer connection")
	// ErrConnClosed is returned when pushing to a closed or closing connection.
	ErrConnClosed = errors.New("connection closed")
)
