package core

import (
	"context"
	"time"
)

// Transition bundles the token update and the event that caused it.
// The store applies both in one transaction or neither.
type Transition struct {
	TokenID     int64
	Status      Status
	LastEventAt time.Time
	// LastSeenAt is updated alongside the status when non-nil (restoration
	// doubles as an existence confirmation).
	LastSeenAt *time.Time
	Event      Event
}

// TokenStore is the contract the daemon requires from the persistent store.
// Implementations must be safe for concurrent use by the registry reloader,
// the existence checker and the state machine; writes are serialized by the
// store itself.
type TokenStore interface {
	// ListTokens returns every token row. Used by the registry reload.
	ListTokens(ctx context.Context) ([]Token, error)

	// RecordTransition persists the token's new status and the event row
	// atomically. Returns ErrTokenNotFound if the token row vanished
	// (deleted externally between reload cycles).
	RecordTransition(ctx context.Context, tr Transition) error

	// TouchLastSeen records a successful existence check without an event.
	TouchLastSeen(ctx context.Context, tokenID int64, at time.Time) error

	Close() error
}

// Emitter appends structured event records to an external sink. Emission is
// best-effort: the store row is the source of truth, so a failed emit is
// reported, not retried.
type Emitter interface {
	Emit(ctx context.Context, e Event, t Token) error
	Close() error
}
