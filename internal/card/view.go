package card

import (
	"slices"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
)

func CardView(c store.Card) models.Card {
	return models.Card{
		ID:         c.CardID,
		TemplateID: c.TemplateID,
		AgentID:    c.AgentID,
		Data:       c.Data,
		Status:     c.Status,
		Version:    c.Version,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func ActionView(a store.CardAction) models.CardAction {
	return models.CardAction{
		ID:        a.ActionID,
		CardID:    a.CardID,
		AgentID:   a.AgentID,
		Type:      a.Type,
		Action:    a.Action,
		Payload:   a.Payload,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
	}
}

func CommentView(c store.Comment) models.Comment {
	return models.Comment{
		ID:         c.CommentID,
		CardID:     c.CardID,
		AuthorType: c.AuthorType,
		AuthorID:   c.AuthorID,
		AuthorName: c.AuthorName,
		Content:    c.Content,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func ReactionView(r store.Reaction) models.Reaction {
	return models.Reaction{
		ID:         r.ReactionID,
		CardID:     r.CardID,
		AuthorType: r.AuthorType,
		AuthorID:   r.AuthorID,
		Emoji:      r.Emoji,
		CreatedAt:  r.CreatedAt,
	}
}

func ActivityView(e store.ActivityEntry) models.Activity {
	return models.Activity{
		ID:         e.ActivityID,
		Action:     e.Action,
		ActorType:  e.ActorType,
		ActorID:    e.ActorID,
		ActorName:  e.ActorName,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
	}
}

func NotificationView(n store.Notification) models.Notification {
	v := models.Notification{
		ID:         n.NotificationID,
		UserID:     n.UserID,
		ActivityID: n.ActivityID,
		Read:       n.Read,
		CreatedAt:  n.CreatedAt,
	}
	if n.Activity != nil {
		a := ActivityView(*n.Activity)
		v.Activity = &a
	}
	return v
}

func EventView(e store.AgentEvent) models.AgentEvent {
	return models.AgentEvent{ID: e.EventID, Type: e.Type, Payload: e.Payload, Status: e.Status, CreatedAt: e.CreatedAt}
}

func AgentView(a store.Agent) models.Agent {
	return models.Agent{ID: a.AgentID, Name: a.Name, Email: a.Email, WebhookURL: a.WebhookURL, CreatedAt: a.CreatedAt}
}

// GroupReactions groups reactions by emoji in reaction-set order. UserReacted is set for
// groups containing a reaction by viewerID.
func GroupReactions(rs []store.Reaction, viewerID string) []models.ReactionGroup {
	byEmoji := map[string]*models.ReactionGroup{}
	var order []string
	for _, r := range rs {
		g, ok := byEmoji[r.Emoji]
		if !ok {
			g = &models.ReactionGroup{Emoji: r.Emoji, Reactions: []models.Reaction{}}
			byEmoji[r.Emoji] = g
			order = append(order, r.Emoji)
		}
		g.Count++
		g.Reactions = append(g.Reactions, ReactionView(r))
		if viewerID != "" && r.AuthorID == viewerID {
			g.UserReacted = true
		}
	}
	rank := func(e string) int {
		if i := slices.Index(Emojis, e); i >= 0 {
			return i
		}
		return len(Emojis)
	}
	slices.SortStableFunc(order, func(a, b string) int { return rank(a) - rank(b) })
	out := make([]models.ReactionGroup, 0, len(order))
	for _, e := range order {
		out = append(out, *byEmoji[e])
	}
	return out
}
