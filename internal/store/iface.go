package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a card write loses a compare-and-swap race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate is returned on a unique constraint violation (e.g. agent email).
	ErrDuplicate = errors.New("duplicate")
	// ErrLeaseLost is returned when an effect changed state or was re-leased since the caller read it.
	ErrLeaseLost = errors.New("effect lease lost")
)

// Store is the persistence interface for the card pipeline.
// Implementations: the SQLite store in this package and *postgres.Store.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	GetAgentByAPIKey(ctx context.Context, apiKey string) (*Agent, error)

	// Cards. Every write commits its Provenance in the same transaction.
	CreateCard(ctx context.Context, c Card, p Provenance) error
	GetCard(ctx context.Context, cardID string) (*Card, error)
	ListCardsByAgent(ctx context.Context, agentID string, limit int) ([]Card, error)
	// UpdateCard writes status and data if the stored version equals expectedVersion,
	// bumping it to expectedVersion+1. Returns ErrVersionConflict otherwise.
	UpdateCard(ctx context.Context, c Card, expectedVersion int64, p Provenance) error
	ListCardActions(ctx context.Context, cardID string) ([]CardAction, error)
	CountCardsByStatus(ctx context.Context) (map[string]int64, error)

	// Comments
	CreateComment(ctx context.Context, c Comment, p Provenance) error
	GetComment(ctx context.Context, commentID string) (*Comment, error)
	ListComments(ctx context.Context, cardID string) ([]Comment, error)
	DeleteComment(ctx context.Context, commentID string, p Provenance) error

	// Reactions. ToggleReaction inserts r or removes the existing (card, author, emoji) row,
	// committing onAdd or onRemove accordingly. It returns ErrDuplicate when a concurrent
	// toggle inserted the same row first; nothing is written in that case.
	ToggleReaction(ctx context.Context, r Reaction, onAdd, onRemove Provenance) (added bool, err error)
	ListReactions(ctx context.Context, cardID string) ([]Reaction, error)
	// ListCollaborators returns distinct human author ids that commented or reacted on the card.
	ListCollaborators(ctx context.Context, cardID string) ([]string, error)

	// Activity log
	AppendActivity(ctx context.Context, e ActivityEntry) error
	ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, error)

	// Notifications
	CreateNotifications(ctx context.Context, ns []Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)

	// Agent events: TakePendingEvents returns pending events oldest first and marks them delivered.
	TakePendingEvents(ctx context.Context, agentID string) ([]AgentEvent, error)

	// Effect outbox
	EnqueueEffects(ctx context.Context, effects []Effect) error
	// ClaimDueEffects returns up to limit pending effects due at now, pushes their
	// next_attempt_at forward by lease and hands each a fresh LeaseID so concurrent
	// pollers do not pick them twice.
	ClaimDueEffects(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Effect, error)
	// AcquireEffect takes exclusive ownership of a pending effect whose lease is still leaseID,
	// holding it until until. It returns the new lease, or ErrLeaseLost.
	AcquireEffect(ctx context.Context, effectID, leaseID string, until time.Time) (string, error)
	GetEffect(ctx context.Context, effectID string) (*Effect, error)
	// CompleteEffect, RetryEffect and KillEffect only apply while the effect is pending and
	// still held under leaseID; otherwise they return ErrLeaseLost.
	CompleteEffect(ctx context.Context, effectID, leaseID string, attempts int) error
	RetryEffect(ctx context.Context, effectID, leaseID string, attempts int, next time.Time, lastErr string) error
	KillEffect(ctx context.Context, effectID, leaseID string, attempts int, lastErr string) error
	CountPendingEffects(ctx context.Context) (int64, error)

	// Lifecycle
	Close() error
}
