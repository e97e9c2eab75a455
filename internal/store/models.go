// Package store defines the persistence interface and shared models for agents, cards,
// comments, reactions, the activity ledger, notifications, agent events, and the effect outbox.
package store

import (
	"encoding/json"
	"time"
)

// Card statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusArchived   = "archived"
	StatusDeleted    = "deleted"
)

// ValidStatus reports whether s is one of the card statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// Actor types.
const (
	ActorHuman  = "human"
	ActorAgent  = "agent"
	ActorSystem = "system"
)

// Agent is an external automation that owns cards and receives webhooks.
type Agent struct {
	AgentID    string
	Name       string
	Email      string
	APIKey     string
	WebhookURL *string
	CreatedAt  time.Time
}

// Card is a unit of work posted by an agent. Data maps component ids to component values.
type Card struct {
	CardID     string
	TemplateID string
	AgentID    string // owner; never changes
	Data       map[string]any
	Status     string
	Version    int64 // incremented on every write
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CardAction is the immutable record of a processed card or component action.
type CardAction struct {
	ActionID  string
	CardID    string
	AgentID   string
	Type      string // card_action or component_action
	Action    string
	Payload   map[string]any
	Status    string // always "processed"
	CreatedAt time.Time
}

// Comment is a first-class comment on a card.
type Comment struct {
	CommentID  string
	CardID     string
	AuthorType string
	AuthorID   string
	AuthorName string
	Content    string
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// Reaction is an emoji reaction; unique per (card, author, emoji).
type Reaction struct {
	ReactionID string
	CardID     string
	AuthorType string
	AuthorID   string
	Emoji      string
	CreatedAt  time.Time
}

// ActivityEntry is one append-only ledger row.
type ActivityEntry struct {
	ActivityID string
	Action     string
	ActorType  string
	ActorID    string
	ActorName  *string
	TargetType *string
	TargetID   *string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// ActivityFilter narrows ListActivity. Empty fields match everything.
type ActivityFilter struct {
	TargetID   string
	TargetType string
	ActorID    string
	Action     string
	Limit      int
	Offset     int
}

// Notification points a user at an activity entry.
type Notification struct {
	NotificationID string
	UserID         string
	ActivityID     string
	Read           bool
	CreatedAt      time.Time
	Activity       *ActivityEntry // populated by ListNotifications
}

// AgentEvent is a pending item in an agent's polling inbox.
type AgentEvent struct {
	EventID   string
	AgentID   string
	Type      string
	Payload   map[string]any
	Status    string // pending or delivered
	CreatedAt time.Time
}

// Effect statuses.
const (
	EffectPending = "pending"
	EffectDone    = "done"
	EffectDead    = "dead"
)

// Effect is a durable side effect written in the same transaction as the mutation that caused it.
type Effect struct {
	EffectID      string
	Kind          string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	// LeaseID names the current holder. It rotates on every claim and acquire.
	LeaseID string
}

// Provenance is everything recorded alongside a primary write, in the same transaction.
type Provenance struct {
	Action     *CardAction
	Activities []ActivityEntry
	Events     []AgentEvent
	Effects    []Effect
}
