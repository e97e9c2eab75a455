// Package activity records the append-only activity ledger and fans activity entries out
// as per-user notifications.
package activity

import (
	"context"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/google/uuid"
)

// Activity actions.
const (
	CardCreated     = "card_created"
	CardUpdated     = "card_updated"
	CardDeleted     = "card_deleted"
	CardMoved       = "card_moved"
	CommentAdded    = "comment_added"
	CommentDeleted  = "comment_deleted"
	ReactionAdded   = "reaction_added"
	ReactionRemoved = "reaction_removed"
	ActionApproved  = "action_approved"
	ActionRejected  = "action_rejected"
	ActionArchived  = "action_archived"
	ActionExecuted  = "action_executed"
)

// Target types.
const (
	TargetCard     = "card"
	TargetComment  = "comment"
	TargetReaction = "reaction"
)

const (
	DefaultListLimit         = 50
	MaxListLimit             = 200
	DefaultNotificationLimit = 20
	MaxNotificationLimit     = 100
)

// Actor is whoever performed an operation: a human acting through an agent key, the agent
// itself, or the system.
type Actor struct {
	Type    string // store.ActorHuman, store.ActorAgent or store.ActorSystem
	ID      string
	Name    string
	AgentID string // agent whose key authenticated the request
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	TargetID   string
	TargetType string
	ActorID    string
	Action     string
}

// NewEntry builds an activity entry with a fresh id and timestamp.
func NewEntry(action string, actor Actor, targetType, targetID string, metadata map[string]any) store.ActivityEntry {
	e := store.ActivityEntry{
		ActivityID: uuid.NewString(),
		Action:     action,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if actor.Name != "" {
		name := actor.Name
		e.ActorName = &name
	}
	if targetType != "" {
		e.TargetType = &targetType
	}
	if targetID != "" {
		e.TargetID = &targetID
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e
}

// Recorder appends to the activity ledger and manages notifications.
type Recorder struct {
	Store store.Store
}

// Record appends entry, filling id and timestamp when missing.
func (r *Recorder) Record(ctx context.Context, entry store.ActivityEntry) (store.ActivityEntry, error) {
	if entry.ActivityID == "" {
		entry.ActivityID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	if err := r.Store.AppendActivity(ctx, entry); err != nil {
		return store.ActivityEntry{}, err
	}
	return entry, nil
}

// List returns entries newest first. limit defaults to 50 and is capped at 200.
func (r *Recorder) List(ctx context.Context, f Filter, limit, offset int) ([]store.ActivityEntry, error) {
	return r.Store.ListActivity(ctx, store.ActivityFilter{
		TargetID:   f.TargetID,
		TargetType: f.TargetType,
		ActorID:    f.ActorID,
		Action:     f.Action,
		Limit:      clamp(limit, DefaultListLimit, MaxListLimit),
		Offset:     max(offset, 0),
	})
}

func clamp(v, def, hi int) int {
	if v <= 0 {
		return def
	}
	return min(v, hi)
}
