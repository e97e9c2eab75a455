// Package client provides a Go SDK for the DockerClaw HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
)

// Client calls the DockerClaw HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	APIKey     string       // agent key sent as X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient

	// Human, when set, acts on behalf of a human user instead of the agent.
	Human *Human
}

// Human identifies the human actor behind requests.
type Human struct {
	ID   string
	Name string
}

// APIError is a non-2xx API response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Details    map[string][]string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// New returns a client for the given base URL (e.g. "http://localhost:3548").
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

// AsHuman returns a copy of c that acts as the given human user.
func (c *Client) AsHuman(id, name string) *Client {
	cp := *c
	cp.Human = &Human{ID: id, Name: name}
	return &cp
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	if c.Human != nil {
		req.Header.Set("X-Actor-Type", "human")
		if c.Human.ID != "" {
			req.Header.Set("X-Actor-Id", c.Human.ID)
		}
		if c.Human.Name != "" {
			req.Header.Set("X-Actor-Name", c.Human.Name)
		}
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errBody.Error,
			Details:    errBody.Details,
		}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// RegisterAgent registers an agent. The response holds the only copy of its API key.
func (c *Client) RegisterAgent(ctx context.Context, req models.RegisterAgentRequest) (*models.RegisterAgentResponse, error) {
	var out models.RegisterAgentResponse
	if err := c.doJSON(ctx, http.MethodPost, "/agents/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events drains the pending events of agentID, which must be the caller's own agent.
func (c *Client) Events(ctx context.Context, agentID string) ([]models.AgentEvent, error) {
	var out struct {
		Events []models.AgentEvent `json:"events"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/events", nil, &out)
	return out.Events, err
}

// ListCards returns the caller's cards, newest first (limit 0 = default).
func (c *Client) ListCards(ctx context.Context, limit int) ([]models.Card, error) {
	path := "/cards"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Cards []models.Card `json:"cards"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Cards, err
}

// CreateCard posts a new card.
func (c *Client) CreateCard(ctx context.Context, templateID string, data map[string]any) (*models.Card, error) {
	var out struct {
		Card models.Card `json:"card"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/cards", models.CreateCardRequest{TemplateID: templateID, Data: data}, &out); err != nil {
		return nil, err
	}
	return &out.Card, nil
}

// GetCard returns one card.
func (c *Client) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	var out struct {
		Card models.Card `json:"card"`
	}
	if err := c.doJSON(ctx, http.MethodGet, cardPath(cardID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Card, nil
}

// CardActions returns the action history of a card, oldest first.
func (c *Client) CardActions(ctx context.Context, cardID string) ([]models.CardAction, error) {
	var out struct {
		Actions []models.CardAction `json:"actions"`
	}
	err := c.doJSON(ctx, http.MethodGet, cardPath(cardID)+"/actions", nil, &out)
	return out.Actions, err
}

// Act executes a card action (approve, reject, delete, archive, move).
func (c *Client) Act(ctx context.Context, cardID string, req models.ActionRequest) (*models.ActionResponse, error) {
	var out models.ActionResponse
	if err := c.doJSON(ctx, http.MethodPost, cardPath(cardID)+"/actions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActOnComponent executes a component action on one component of a card.
func (c *Client) ActOnComponent(ctx context.Context, cardID, componentID string, req models.ActionRequest) (*models.ActionResponse, error) {
	var out models.ActionResponse
	path := cardPath(cardID) + "/components/" + url.PathEscape(componentID) + "/actions"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListComments returns the comments on a card, oldest first.
func (c *Client) ListComments(ctx context.Context, cardID string) ([]models.Comment, error) {
	var out struct {
		Comments []models.Comment `json:"comments"`
	}
	err := c.doJSON(ctx, http.MethodGet, cardPath(cardID)+"/comments", nil, &out)
	return out.Comments, err
}

// AddComment posts a comment on a card.
func (c *Client) AddComment(ctx context.Context, cardID string, req models.CommentRequest) (*models.Comment, error) {
	var out struct {
		Comment models.Comment `json:"comment"`
	}
	if err := c.doJSON(ctx, http.MethodPost, cardPath(cardID)+"/comments", req, &out); err != nil {
		return nil, err
	}
	return &out.Comment, nil
}

// DeleteComment deletes a comment.
func (c *Client) DeleteComment(ctx context.Context, commentID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/comments/"+url.PathEscape(commentID), nil, nil)
}

// Reactions returns the reactions on a card, flat and grouped by emoji.
func (c *Client) Reactions(ctx context.Context, cardID string) (*models.ReactionList, error) {
	var out models.ReactionList
	if err := c.doJSON(ctx, http.MethodGet, cardPath(cardID)+"/reactions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleReaction adds the caller's emoji reaction, or removes it if already present.
func (c *Client) ToggleReaction(ctx context.Context, cardID, emoji string) (*models.ReactionToggle, error) {
	var out models.ReactionToggle
	if err := c.doJSON(ctx, http.MethodPost, cardPath(cardID)+"/reactions", models.ReactionRequest{Emoji: emoji}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivityQuery filters the activity feed. Zero fields are ignored.
type ActivityQuery struct {
	TargetID   string
	TargetType string
	ActorID    string
	Action     string
	Limit      int
	Offset     int
}

func (q ActivityQuery) encode() string {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("targetId", q.TargetID)
	set("targetType", q.TargetType)
	set("actorId", q.ActorID)
	set("action", q.Action)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// Activity returns activity entries, newest first.
func (c *Client) Activity(ctx context.Context, q ActivityQuery) ([]models.Activity, error) {
	var out struct {
		Activities []models.Activity `json:"activities"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/activity"+q.encode(), nil, &out)
	return out.Activities, err
}

// Notifications returns the caller's notifications, newest first.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]models.Notification, error) {
	v := url.Values{}
	if unreadOnly {
		v.Set("unread", "true")
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	path := "/notifications"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out struct {
		Notifications []models.Notification `json:"notifications"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Notifications, err
}

// UnreadCount returns how many of the caller's notifications are unread.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/notifications?count=true", nil, &out)
	return out.Count, err
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, notificationID string) error {
	return c.doJSON(ctx, http.MethodPatch, "/notifications", models.NotificationsPatch{ID: notificationID}, nil)
}

// MarkAllRead marks every notification of the caller read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPatch, "/notifications", models.NotificationsPatch{All: true}, nil)
}

func cardPath(cardID string) string {
	return "/cards/" + url.PathEscape(cardID)
}
