package card

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ddikddak/dockerclaw-sub000/internal/activity"
	"github.com/ddikddak/dockerclaw-sub000/internal/otel"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/internal/webhook"
	"github.com/google/uuid"
)

// Emojis is the fixed reaction set.
var Emojis = []string{"👍", "❤️", "🎉", "🚀", "👀"}

// Webhook actions for comments and reactions.
const (
	HookAddComment     = "add_comment"
	HookAddReaction    = "add_reaction"
	HookRemoveReaction = "remove_reaction"
)

const previewLen = 100

// CommentInput is a new comment. Empty author fields default to the actor.
type CommentInput struct {
	Content    string
	AuthorType string
	AuthorID   string
	AuthorName string
}

// AddComment stores a first-class comment on a card.
func (e *Engine) AddComment(ctx context.Context, actor activity.Actor, cardID string, in CommentInput) (*store.Comment, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, invalidField("content", "Content is required")
	}
	c, err := e.load(ctx, cardID, actor)
	if err != nil {
		return nil, err
	}

	authorType := in.AuthorType
	if authorType == "" {
		authorType = actor.Type
	}
	if authorType != store.ActorAgent {
		authorType = store.ActorHuman
	}
	authorID := firstNonEmpty(in.AuthorID, actor.ID, "anonymous")
	authorName := firstNonEmpty(in.AuthorName, actor.Name, "Anonymous")

	now := time.Now().UTC()
	cm := store.Comment{
		CommentID:  uuid.NewString(),
		CardID:     c.CardID,
		AuthorType: authorType,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		CreatedAt:  now,
	}
	author := activity.Actor{Type: authorType, ID: authorID, Name: authorName, AgentID: actor.AgentID}
	entry := activity.NewEntry(activity.CommentAdded, author, activity.TargetComment, cm.CommentID,
		map[string]any{"cardId": c.CardID, "preview": preview(content)})
	hook := webhook.Payload{
		Event:  TypeComponentAction,
		Action: HookAddComment,
		CardID: c.CardID,
		Data: map[string]any{
			"content":     content,
			"author_type": authorType,
			"author_id":   authorID,
			"author_name": authorName,
			"comment_id":  cm.CommentID,
			"created_at":  now,
		},
	}
	effects, err := e.effects(ctx, c, author, entry.ActivityID, hook)
	if err != nil {
		return nil, internal("build comment effects", err)
	}
	p := store.Provenance{
		Activities: []store.ActivityEntry{entry},
		Events: []store.AgentEvent{agentEvent(c.AgentID, TypeComponentAction,
			map[string]any{"card_id": c.CardID, "action": HookAddComment, "comment_id": cm.CommentID}, now)},
		Effects: effects,
	}
	if err := e.Store.CreateComment(ctx, cm, p); err != nil {
		otel.RecordCardAction(ctx, HookAddComment, "error")
		return nil, fromStore("comment", err)
	}
	otel.RecordCardAction(ctx, HookAddComment, "ok")
	e.publish(ctx, c.CardID, entry)
	e.submit(effects)
	return &cm, nil
}

// ListComments returns a card's comments oldest first.
func (e *Engine) ListComments(ctx context.Context, actor activity.Actor, cardID string) ([]store.Comment, error) {
	if _, err := e.load(ctx, cardID, actor); err != nil {
		return nil, err
	}
	cs, err := e.Store.ListComments(ctx, cardID)
	if err != nil {
		return nil, internal("list comments", err)
	}
	return cs, nil
}

// DeleteComment removes a comment. Only its author or a human actor may delete it.
func (e *Engine) DeleteComment(ctx context.Context, actor activity.Actor, commentID string) error {
	cm, err := e.Store.GetComment(ctx, commentID)
	if err != nil {
		return fromStore("comment", err)
	}
	if _, err := e.load(ctx, cm.CardID, actor); err != nil {
		return err
	}
	if cm.AuthorID != actor.ID && actor.Type != store.ActorHuman {
		return forbidden("Not authorized to delete this comment")
	}
	entry := activity.NewEntry(activity.CommentDeleted, actor, activity.TargetComment, cm.CommentID,
		map[string]any{"cardId": cm.CardID})
	if err := e.Store.DeleteComment(ctx, commentID, store.Provenance{Activities: []store.ActivityEntry{entry}}); err != nil {
		return fromStore("comment", err)
	}
	otel.RecordCardAction(ctx, "delete_comment", "ok")
	e.publish(ctx, cm.CardID, entry)
	return nil
}

// ValidEmoji reports whether s is in the reaction set.
func ValidEmoji(s string) bool { return slices.Contains(Emojis, s) }

// ToggleReaction adds the actor's emoji reaction, or removes it if present. It reports
// whether the reaction was added.
func (e *Engine) ToggleReaction(ctx context.Context, actor activity.Actor, cardID, emoji string) (added bool, r *store.Reaction, err error) {
	if emoji == "" {
		return false, nil, invalidField("emoji", "Emoji is required")
	}
	if !ValidEmoji(emoji) {
		return false, nil, invalidField("emoji", "Invalid emoji")
	}
	c, err := e.load(ctx, cardID, actor)
	if err != nil {
		return false, nil, err
	}
	authorType := actor.Type
	if authorType != store.ActorAgent {
		authorType = store.ActorHuman
	}
	now := time.Now().UTC()
	rec := store.Reaction{
		ReactionID: uuid.NewString(),
		CardID:     c.CardID,
		AuthorType: authorType,
		AuthorID:   firstNonEmpty(actor.ID, "anonymous"),
		Emoji:      emoji,
		CreatedAt:  now,
	}

	build := func(action, hookAction string) (store.Provenance, store.ActivityEntry, error) {
		entry := activity.NewEntry(action, actor, activity.TargetCard, c.CardID, map[string]any{"emoji": emoji})
		hook := webhook.Payload{
			Event:  TypeComponentAction,
			Action: hookAction,
			CardID: c.CardID,
			Data: map[string]any{
				"emoji":       emoji,
				"author_type": authorType,
				"author_id":   rec.AuthorID,
				"author_name": actor.Name,
				"reaction_id": rec.ReactionID,
				"created_at":  now,
			},
		}
		effects, err := e.effects(ctx, c, actor, entry.ActivityID, hook)
		if err != nil {
			return store.Provenance{}, entry, err
		}
		return store.Provenance{
			Activities: []store.ActivityEntry{entry},
			Events: []store.AgentEvent{agentEvent(c.AgentID, TypeComponentAction,
				map[string]any{"card_id": c.CardID, "action": hookAction, "emoji": emoji}, now)},
			Effects: effects,
		}, entry, nil
	}
	onAdd, addEntry, err := build(activity.ReactionAdded, HookAddReaction)
	if err != nil {
		return false, nil, internal("build reaction effects", err)
	}
	onRemove, removeEntry, err := build(activity.ReactionRemoved, HookRemoveReaction)
	if err != nil {
		return false, nil, internal("build reaction effects", err)
	}

	added, err = e.Store.ToggleReaction(ctx, rec, onAdd, onRemove)
	if err != nil {
		otel.RecordCardAction(ctx, "toggle_reaction", "error")
		return false, nil, fromStore("reaction", err)
	}
	otel.RecordCardAction(ctx, "toggle_reaction", "ok")
	if added {
		e.publish(ctx, c.CardID, addEntry)
		e.submit(onAdd.Effects)
		return true, &rec, nil
	}
	e.publish(ctx, c.CardID, removeEntry)
	e.submit(onRemove.Effects)
	return false, nil, nil
}

// ListReactions returns a card's reactions oldest first.
func (e *Engine) ListReactions(ctx context.Context, actor activity.Actor, cardID string) ([]store.Reaction, error) {
	if _, err := e.load(ctx, cardID, actor); err != nil {
		return nil, err
	}
	rs, err := e.Store.ListReactions(ctx, cardID)
	if err != nil {
		return nil, internal("list reactions", err)
	}
	return rs, nil
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	return string([]rune(s)[:previewLen])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
