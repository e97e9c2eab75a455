// Package card applies card and component actions, comments and reactions. Every mutation
// commits the card write with its action record, activity entry, agent event and outbox
// effects in one transaction, then publishes realtime frames and hands the effects to the
// outbox worker.
package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/activity"
	"github.com/ddikddak/dockerclaw-sub000/internal/otel"
	"github.com/ddikddak/dockerclaw-sub000/internal/outbox"
	"github.com/ddikddak/dockerclaw-sub000/internal/realtime"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/internal/webhook"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
	"github.com/google/uuid"
)

// Action record types and status.
const (
	TypeCardAction      = "card_action"
	TypeComponentAction = "component_action"
	StatusProcessed     = "processed"
)

const (
	defaultRetries   = 3
	defaultListLimit = models.DefaultCardListLimit
)

// Submitter receives committed effects. *outbox.Worker implements it.
type Submitter interface {
	Submit(effects ...store.Effect)
}

// Engine orchestrates card mutations. Publisher, Outbox and Interest are optional.
type Engine struct {
	Store     store.Store
	Publisher realtime.Publisher
	Outbox    Submitter
	Interest  activity.InterestResolver
	// Retries bounds read-compute-CAS rounds when the caller did not pin a version.
	Retries int
}

// Result is the outcome of a committed mutation.
type Result struct {
	Card     store.Card
	Action   store.CardAction
	Activity store.ActivityEntry
}

// change is a computed transition, ready to commit.
type change struct {
	kind     string
	action   string
	status   string
	data     map[string]any
	payload  map[string]any
	activity string
	metadata map[string]any
	event    map[string]any
	hook     webhook.Payload
}

// Execute applies a card action. expectedVersion > 0 pins the version the caller read.
func (e *Engine) Execute(ctx context.Context, cardID string, actor activity.Actor, action string, payload map[string]any, expectedVersion int64) (*Result, error) {
	a, err := ParseAction(action)
	if err != nil {
		otel.RecordCardAction(ctx, action, "invalid")
		return nil, err
	}
	return e.mutate(ctx, cardID, actor, a.String(), expectedVersion, func(c *store.Card) (*change, error) {
		status, err := a.target(payload)
		if err != nil {
			return nil, err
		}
		p := maps.Clone(payload)
		if p == nil {
			p = map[string]any{}
		}
		var meta map[string]any
		if a == Move {
			p["previous_status"] = c.Status
			meta = map[string]any{"from": c.Status, "to": status}
		} else {
			meta = map[string]any{"status": status, "previous_status": c.Status}
		}
		return &change{
			kind:     TypeCardAction,
			action:   a.String(),
			status:   status,
			data:     c.Data,
			payload:  p,
			activity: a.activityAction(),
			metadata: meta,
			event:    map[string]any{"card_id": c.CardID, "action": a.String(), "status": status},
			hook: webhook.Payload{
				Event:  TypeCardAction,
				Action: a.String(),
				CardID: c.CardID,
				Data:   map[string]any{"status": status, "previous_status": c.Status},
			},
		}, nil
	})
}

// ExecuteComponent applies a component action to data[componentID].
func (e *Engine) ExecuteComponent(ctx context.Context, cardID, componentID string, actor activity.Actor, action string, payload map[string]any, expectedVersion int64) (*Result, error) {
	a, err := ParseComponentAction(action)
	if err != nil {
		otel.RecordCardAction(ctx, action, "invalid")
		return nil, err
	}
	if strings.TrimSpace(componentID) == "" {
		return nil, invalidField("componentId", "componentId is required")
	}
	return e.mutate(ctx, cardID, actor, a.String(), expectedVersion, func(c *store.Card) (*change, error) {
		data := cloneData(c.Data)
		if err := a.apply(data, componentID, payload, actor.Name); err != nil {
			return nil, err
		}
		p := maps.Clone(payload)
		if p == nil {
			p = map[string]any{}
		}
		p["componentId"] = componentID
		return &change{
			kind:     TypeComponentAction,
			action:   a.String(),
			status:   c.Status,
			data:     data,
			payload:  p,
			activity: activity.CardUpdated,
			metadata: map[string]any{"component_id": componentID, "action": a.String()},
			event:    map[string]any{"card_id": c.CardID, "component_id": componentID, "action": a.String()},
			hook: webhook.Payload{
				Event:  TypeComponentAction,
				Action: a.String(),
				CardID: c.CardID,
				Data:   map[string]any{"component_id": componentID, "payload": payload},
			},
		}, nil
	})
}

func (e *Engine) mutate(ctx context.Context, cardID string, actor activity.Actor, action string, expectedVersion int64, compute func(*store.Card) (*change, error)) (*Result, error) {
	rounds := e.Retries
	if rounds <= 0 {
		rounds = defaultRetries
	}
	for round := 1; ; round++ {
		c, err := e.load(ctx, cardID, actor)
		if err != nil {
			otel.RecordCardAction(ctx, action, "rejected")
			return nil, err
		}
		if expectedVersion > 0 && c.Version != expectedVersion {
			otel.RecordCardAction(ctx, action, "conflict")
			return nil, conflict(fmt.Sprintf("card is at version %d, not %d", c.Version, expectedVersion), store.ErrVersionConflict)
		}
		ch, err := compute(c)
		if err != nil {
			otel.RecordCardAction(ctx, action, "invalid")
			return nil, err
		}
		res, effects, err := e.commit(ctx, c, actor, ch)
		if errors.Is(err, store.ErrVersionConflict) && expectedVersion == 0 && round < rounds {
			slog.Debug("card write lost race, retrying", "card_id", cardID, "round", round)
			continue
		}
		if err != nil {
			otel.RecordCardAction(ctx, action, "error")
			return nil, fromStore("card", err)
		}
		otel.RecordCardAction(ctx, action, "ok")
		e.publish(ctx, cardID, res.Activity)
		e.submit(effects)
		return res, nil
	}
}

func (e *Engine) commit(ctx context.Context, c *store.Card, actor activity.Actor, ch *change) (*Result, []store.Effect, error) {
	now := time.Now().UTC()
	next := *c
	next.Status = ch.status
	next.Data = ch.data
	next.Version = c.Version + 1
	next.UpdatedAt = now

	rec := store.CardAction{
		ActionID:  uuid.NewString(),
		CardID:    c.CardID,
		AgentID:   c.AgentID,
		Type:      ch.kind,
		Action:    ch.action,
		Payload:   ch.payload,
		Status:    StatusProcessed,
		CreatedAt: now,
	}
	entry := activity.NewEntry(ch.activity, actor, activity.TargetCard, c.CardID, ch.metadata)
	evPayload := maps.Clone(ch.event)
	evPayload["action_id"] = rec.ActionID
	hook := ch.hook
	hook.Data = maps.Clone(hook.Data)
	if hook.Data == nil {
		hook.Data = map[string]any{}
	}
	hook.Data["action_id"] = rec.ActionID

	effects, err := e.effects(ctx, c, actor, entry.ActivityID, hook)
	if err != nil {
		return nil, nil, err
	}
	p := store.Provenance{
		Action:     &rec,
		Activities: []store.ActivityEntry{entry},
		Events:     []store.AgentEvent{agentEvent(c.AgentID, ch.kind, evPayload, now)},
		Effects:    effects,
	}
	if err := e.Store.UpdateCard(ctx, next, c.Version, p); err != nil {
		return nil, nil, err
	}
	return &Result{Card: next, Action: rec, Activity: entry}, effects, nil
}

// load fetches the card and checks that the actor's agent owns it.
func (e *Engine) load(ctx context.Context, cardID string, actor activity.Actor) (*store.Card, error) {
	if cardID == "" {
		return nil, invalidField("id", "card id is required")
	}
	c, err := e.Store.GetCard(ctx, cardID)
	if err != nil {
		return nil, fromStore("card", err)
	}
	if c.AgentID != actor.AgentID {
		return nil, forbidden("Not authorized to access this card")
	}
	return c, nil
}

// effects builds the outbox rows for a mutation: a webhook when the owner registered a URL
// and a notification fan-out when anyone is interested.
func (e *Engine) effects(ctx context.Context, c *store.Card, actor activity.Actor, activityID string, hook webhook.Payload) ([]store.Effect, error) {
	var out []store.Effect
	owner, err := e.Store.GetAgent(ctx, c.AgentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	case owner.WebhookURL != nil && *owner.WebhookURL != "":
		eff, err := outbox.NewWebhookEffect(*owner.WebhookURL, hook)
		if err != nil {
			return nil, err
		}
		out = append(out, eff)
	}

	users, err := e.interest().InterestedUsers(ctx, c.CardID, actor)
	if err != nil {
		slog.Warn("interest resolution failed", "card_id", c.CardID, "err", err)
		return out, nil
	}
	if users = activity.Dedupe(users); len(users) > 0 {
		eff, err := outbox.NewNotifyEffect(activityID, users)
		if err != nil {
			return nil, err
		}
		out = append(out, eff)
	}
	return out, nil
}

func (e *Engine) interest() activity.InterestResolver {
	if e.Interest == nil {
		return activity.Collaborators{Store: e.Store}
	}
	return e.Interest
}

// publish sends the activity frame and the card-scoped frame.
func (e *Engine) publish(ctx context.Context, cardID string, entry store.ActivityEntry) {
	if e.Publisher == nil {
		return
	}
	view := ActivityView(entry)
	e.Publisher.Publish(ctx, "activity", models.ActivityFrame{Type: "activity", Activity: view})
	e.Publisher.Publish(ctx, "card:"+cardID, models.CardFrame{Type: entry.Action, CardID: cardID, Activity: view})
}

func (e *Engine) submit(effects []store.Effect) {
	if e.Outbox == nil || len(effects) == 0 {
		return
	}
	e.Outbox.Submit(effects...)
}

func agentEvent(agentID, typ string, payload map[string]any, now time.Time) store.AgentEvent {
	return store.AgentEvent{
		EventID:   uuid.NewString(),
		AgentID:   agentID,
		Type:      typ,
		Payload:   payload,
		Status:    "pending",
		CreatedAt: now,
	}
}

// Create posts a new card owned by the actor's agent.
func (e *Engine) Create(ctx context.Context, actor activity.Actor, templateID string, data map[string]any) (*store.Card, error) {
	if strings.TrimSpace(templateID) == "" {
		return nil, invalidField("template_id", "template_id is required")
	}
	if actor.AgentID == "" {
		return nil, &Error{Kind: KindUnauthorized, Message: "agent required"}
	}
	now := time.Now().UTC()
	c := store.Card{
		CardID:     uuid.NewString(),
		TemplateID: templateID,
		AgentID:    actor.AgentID,
		Data:       cloneData(data),
		Status:     store.StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	title, _ := c.Data["title"].(string)
	entry := activity.NewEntry(activity.CardCreated, actor, activity.TargetCard, c.CardID,
		map[string]any{"template_id": templateID, "title": title})
	if err := e.Store.CreateCard(ctx, c, store.Provenance{Activities: []store.ActivityEntry{entry}}); err != nil {
		return nil, fromStore("card", err)
	}
	e.publish(ctx, c.CardID, entry)
	return &c, nil
}

// Get returns a card the actor's agent owns.
func (e *Engine) Get(ctx context.Context, actor activity.Actor, cardID string) (*store.Card, error) {
	return e.load(ctx, cardID, actor)
}

// List returns the actor's agent's cards, newest first.
func (e *Engine) List(ctx context.Context, actor activity.Actor, limit int) ([]store.Card, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	cards, err := e.Store.ListCardsByAgent(ctx, actor.AgentID, limit)
	if err != nil {
		return nil, internal("list cards", err)
	}
	return cards, nil
}

// Actions returns the action history of a card, oldest first.
func (e *Engine) Actions(ctx context.Context, actor activity.Actor, cardID string) ([]store.CardAction, error) {
	if _, err := e.load(ctx, cardID, actor); err != nil {
		return nil, err
	}
	acts, err := e.Store.ListCardActions(ctx, cardID)
	if err != nil {
		return nil, internal("list card actions", err)
	}
	return acts, nil
}
