// Package identity issues agent API keys and registers agents.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/google/uuid"
)

// KeyPrefix marks DockerClaw agent keys.
const KeyPrefix = "dc_"

var (
	ErrInvalidName    = errors.New("name is required")
	ErrInvalidEmail   = errors.New("a valid email is required")
	ErrInvalidWebhook = errors.New("webhook_url must be an absolute http or https URL")
)

// NewAPIKey returns a random key: KeyPrefix followed by 64 hex characters.
func NewAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// Registration is a new agent request.
type Registration struct {
	Name       string
	Email      string
	WebhookURL string
}

// Validate normalizes r and reports the first invalid field.
func (r *Registration) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.WebhookURL = strings.TrimSpace(r.WebhookURL)
	if r.Name == "" {
		return ErrInvalidName
	}
	if a, err := mail.ParseAddress(r.Email); err != nil || a.Address != r.Email {
		return ErrInvalidEmail
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalidWebhook
		}
	}
	return nil
}

// Register validates r, issues a key, and stores the agent. A taken email yields
// store.ErrDuplicate.
func Register(ctx context.Context, st store.Store, r Registration) (*store.Agent, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key, err := NewAPIKey()
	if err != nil {
		return nil, err
	}
	a := store.Agent{
		AgentID:   uuid.NewString(),
		Name:      r.Name,
		Email:     r.Email,
		APIKey:    key,
		CreatedAt: time.Now().UTC(),
	}
	if r.WebhookURL != "" {
		u := r.WebhookURL
		a.WebhookURL = &u
	}
	if err := st.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("register agent %s: %w", r.Email, err)
	}
	return &a, nil
}

// IsValidationError reports whether err came from Registration.Validate.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidName) || errors.Is(err, ErrInvalidEmail) || errors.Is(err, ErrInvalidWebhook)
}
