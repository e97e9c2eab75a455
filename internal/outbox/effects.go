// Package outbox delivers durable side effects (agent webhooks, notification fan-out) that
// were written in the same transaction as the mutation that caused them.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/internal/webhook"
	"github.com/google/uuid"
)

// Effect kinds.
const (
	KindWebhook = "webhook"
	KindNotify  = "notify"
)

// SubmitLease is how long a freshly written effect stays invisible to the poller, giving the
// in-process submit path the first attempt.
const SubmitLease = 30 * time.Second

// WebhookEffect is the payload of a KindWebhook effect.
type WebhookEffect struct {
	URL     string          `json:"url"`
	Payload webhook.Payload `json:"payload"`
}

// NotifyEffect is the payload of a KindNotify effect.
type NotifyEffect struct {
	ActivityID string   `json:"activity_id"`
	UserIDs    []string `json:"user_ids"`
}

// NewWebhookEffect builds a pending webhook effect.
func NewWebhookEffect(url string, p webhook.Payload) (store.Effect, error) {
	return newEffect(KindWebhook, WebhookEffect{URL: url, Payload: p})
}

// NewNotifyEffect builds a pending notification fan-out effect.
func NewNotifyEffect(activityID string, userIDs []string) (store.Effect, error) {
	return newEffect(KindNotify, NotifyEffect{ActivityID: activityID, UserIDs: userIDs})
}

func newEffect(kind string, v any) (store.Effect, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return store.Effect{}, err
	}
	now := time.Now().UTC()
	return store.Effect{
		EffectID:      uuid.NewString(),
		Kind:          kind,
		Payload:       b,
		Status:        store.EffectPending,
		NextAttemptAt: now.Add(SubmitLease),
		CreatedAt:     now,
		LeaseID:       uuid.NewString(),
	}, nil
}
