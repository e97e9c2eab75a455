// Package models provides shared types for the DockerClaw HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Agent is an external automation that posts cards and receives webhooks.
type Agent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	WebhookURL *string   `json:"webhook_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Card is a structured work item. Data maps component ids to component values.
type Card struct {
	ID         string         `json:"id"`
	TemplateID string         `json:"template_id"`
	AgentID    string         `json:"agent_id"`
	Data       map[string]any `json:"data"`
	Status     string         `json:"status"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CardAction is the immutable record of a processed action.
type CardAction struct {
	ID        string         `json:"id"`
	CardID    string         `json:"card_id"`
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Comment is a first-class comment on a card.
type Comment struct {
	ID         string     `json:"id"`
	CardID     string     `json:"card_id"`
	AuthorType string     `json:"author_type"`
	AuthorID   string     `json:"author_id"`
	AuthorName string     `json:"author_name"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Reaction is an emoji reaction on a card.
type Reaction struct {
	ID         string    `json:"id"`
	CardID     string    `json:"card_id"`
	AuthorType string    `json:"author_type"`
	AuthorID   string    `json:"author_id"`
	Emoji      string    `json:"emoji"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReactionGroup counts the reactions for one emoji.
type ReactionGroup struct {
	Emoji       string     `json:"emoji"`
	Count       int        `json:"count"`
	UserReacted bool       `json:"userReacted"`
	Reactions   []Reaction `json:"reactions"`
}

// Activity is one activity log entry.
type Activity struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	ActorType  string         `json:"actor_type"`
	ActorID    string         `json:"actor_id"`
	ActorName  *string        `json:"actor_name,omitempty"`
	TargetType *string        `json:"target_type,omitempty"`
	TargetID   *string        `json:"target_id,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Notification points a user at an activity entry.
type Notification struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ActivityID string    `json:"activity_id"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
	Activity   *Activity `json:"activity,omitempty"`
}

// AgentEvent is an item from an agent's polling inbox.
type AgentEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// RegisterAgentRequest is the body of POST /agents/register.
type RegisterAgentRequest struct {
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	WebhookURL *string `json:"webhook_url,omitempty"`
}

// RegisterAgentResponse carries the only copy of the new agent's API key.
type RegisterAgentResponse struct {
	Agent  Agent  `json:"agent"`
	APIKey string `json:"api_key"`
}

// CreateCardRequest is the body of POST /cards.
type CreateCardRequest struct {
	TemplateID string         `json:"template_id"`
	Data       map[string]any `json:"data"`
}

// ActionRequest is the body of card and component action endpoints. Version, when set,
// must match the card's current version.
type ActionRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
	Version int64          `json:"version,omitempty"`
}

// CardRef is the card summary returned by action endpoints.
type CardRef struct {
	ID      string         `json:"id"`
	Status  string         `json:"status,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Version int64          `json:"version"`
}

// ActionResponse is returned by card and component action endpoints.
type ActionResponse struct {
	Success bool       `json:"success"`
	Action  CardAction `json:"action"`
	Card    CardRef    `json:"card"`
}

// CommentRequest is the body of POST /cards/{id}/comments. Author fields default to the
// request actor.
type CommentRequest struct {
	Content    string `json:"content"`
	AuthorType string `json:"author_type,omitempty"`
	AuthorID   string `json:"author_id,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
}

// ReactionRequest is the body of POST /cards/{id}/reactions.
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// ReactionToggle is the result of a reaction toggle: Action is "added" or "removed".
type ReactionToggle struct {
	Success  bool      `json:"success"`
	Action   string    `json:"action"`
	Reaction *Reaction `json:"reaction,omitempty"`
}

// ReactionList is the GET /cards/{id}/reactions response.
type ReactionList struct {
	Reactions []Reaction      `json:"reactions"`
	Grouped   []ReactionGroup `json:"grouped"`
}

// NotificationsPatch is the body of PATCH /notifications: set ID or All.
type NotificationsPatch struct {
	ID  string `json:"id,omitempty"`
	All bool   `json:"all,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Details map[string][]string `json:"details,omitempty"`
}

// ActivityFrame is the payload of the "activity" stream event.
type ActivityFrame struct {
	Type     string   `json:"type"`
	Activity Activity `json:"activity"`
}

// CardFrame is the payload of the "card:{id}" stream event. Type is the activity action.
type CardFrame struct {
	Type     string   `json:"type"`
	CardID   string   `json:"cardId"`
	Activity Activity `json:"activity"`
}
