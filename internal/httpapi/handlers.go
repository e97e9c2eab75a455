package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ddikddak/dockerclaw-sub000/internal/activity"
	"github.com/ddikddak/dockerclaw-sub000/internal/card"
	"github.com/ddikddak/dockerclaw-sub000/internal/identity"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
)

func (a *App) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agents/register", a.handleRegister)
	mux.HandleFunc("GET /agents/{id}/events", a.handleAgentEvents)

	mux.HandleFunc("GET /cards", a.handleListCards)
	mux.HandleFunc("POST /cards", a.handleCreateCard)
	mux.HandleFunc("GET /cards/{id}", a.handleGetCard)
	mux.HandleFunc("GET /cards/{id}/actions", a.handleCardHistory)
	mux.HandleFunc("POST /cards/{id}/actions", a.handleCardAction)
	mux.HandleFunc("POST /cards/{id}/components/{componentId}/actions", a.handleComponentAction)

	mux.HandleFunc("GET /cards/{id}/comments", a.handleListComments)
	mux.HandleFunc("POST /cards/{id}/comments", a.handleAddComment)
	mux.HandleFunc("DELETE /comments/{id}", a.handleDeleteComment)

	mux.HandleFunc("GET /cards/{id}/reactions", a.handleListReactions)
	mux.HandleFunc("POST /cards/{id}/reactions", a.handleToggleReaction)

	mux.HandleFunc("GET /activity", a.handleActivity)
	mux.HandleFunc("GET /notifications", a.handleNotifications)
	mux.HandleFunc("PATCH /notifications", a.handleMarkNotifications)
}

func mustActor(r *http.Request) activity.Actor {
	act, _ := actorFrom(r.Context())
	return act
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body models.RegisterAgentRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	reg := identity.Registration{Name: body.Name, Email: body.Email}
	if body.WebhookURL != nil {
		reg.WebhookURL = *body.WebhookURL
	}
	agent, err := identity.Register(r.Context(), a.Store, reg)
	switch {
	case identity.IsValidationError(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrDuplicate):
		writeJSONError(w, http.StatusConflict, "Agent with this email already exists")
		return
	case err != nil:
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.RegisterAgentResponse{Agent: card.AgentView(*agent), APIKey: agent.APIKey})
}

func (a *App) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	act := mustActor(r)
	if r.PathValue("id") != act.AgentID {
		writeJSONError(w, http.StatusForbidden, "Not authorized to read these events")
		return
	}
	events, err := a.Store.TakePendingEvents(r.Context(), act.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]models.AgentEvent, 0, len(events))
	for _, e := range events {
		out = append(out, card.EventView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *App) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := a.Engine.List(r.Context(), mustActor(r), queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]models.Card, 0, len(cards))
	for _, c := range cards {
		out = append(out, card.CardView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": out})
}

func (a *App) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var body models.CreateCardRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := a.Engine.Create(r.Context(), mustActor(r), body.TemplateID, body.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"card": card.CardView(*c)})
}

func (a *App) handleGetCard(w http.ResponseWriter, r *http.Request) {
	c, err := a.Engine.Get(r.Context(), mustActor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": card.CardView(*c)})
}

func (a *App) handleCardHistory(w http.ResponseWriter, r *http.Request) {
	acts, err := a.Engine.Actions(r.Context(), mustActor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]models.CardAction, 0, len(acts))
	for _, x := range acts {
		out = append(out, card.ActionView(x))
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": out})
}

func (a *App) handleCardAction(w http.ResponseWriter, r *http.Request) {
	var body models.ActionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := a.Engine.Execute(r.Context(), r.PathValue("id"), mustActor(r), body.Action, body.Payload, body.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ActionResponse{
		Success: true,
		Action:  card.ActionView(res.Action),
		Card:    models.CardRef{ID: res.Card.CardID, Status: res.Card.Status, Version: res.Card.Version},
	})
}

func (a *App) handleComponentAction(w http.ResponseWriter, r *http.Request) {
	var body models.ActionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := a.Engine.ExecuteComponent(r.Context(), r.PathValue("id"), r.PathValue("componentId"), mustActor(r), body.Action, body.Payload, body.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ActionResponse{
		Success: true,
		Action:  card.ActionView(res.Action),
		Card:    models.CardRef{ID: res.Card.CardID, Data: res.Card.Data, Version: res.Card.Version},
	})
}

func (a *App) handleListComments(w http.ResponseWriter, r *http.Request) {
	cs, err := a.Engine.ListComments(r.Context(), mustActor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]models.Comment, 0, len(cs))
	for _, c := range cs {
		out = append(out, card.CommentView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": out})
}

func (a *App) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body models.CommentRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	cm, err := a.Engine.AddComment(r.Context(), mustActor(r), r.PathValue("id"), card.CommentInput{
		Content:    body.Content,
		AuthorType: body.AuthorType,
		AuthorID:   body.AuthorID,
		AuthorName: body.AuthorName,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": card.CommentView(*cm)})
}

func (a *App) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.DeleteComment(r.Context(), mustActor(r), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleListReactions(w http.ResponseWriter, r *http.Request) {
	act := mustActor(r)
	rs, err := a.Engine.ListReactions(r.Context(), act, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := models.ReactionList{Reactions: make([]models.Reaction, 0, len(rs)), Grouped: card.GroupReactions(rs, act.ID)}
	for _, x := range rs {
		out.Reactions = append(out.Reactions, card.ReactionView(x))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	var body models.ReactionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	added, rec, err := a.Engine.ToggleReaction(r.Context(), mustActor(r), r.PathValue("id"), body.Emoji)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, models.ReactionToggle{Success: true, Action: "removed"})
		return
	}
	v := card.ReactionView(*rec)
	writeJSON(w, http.StatusCreated, models.ReactionToggle{Success: true, Action: "added", Reaction: &v})
}

func (a *App) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := a.Activity.List(r.Context(), activity.Filter{
		TargetID:   q.Get("targetId"),
		TargetType: q.Get("targetType"),
		ActorID:    q.Get("actorId"),
		Action:     q.Get("action"),
	}, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]models.Activity, 0, len(entries))
	for _, e := range entries {
		out = append(out, card.ActivityView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": out})
}

// handleNotifications lists the actor's notifications, or counts unread ones with ?count=true.
func (a *App) handleNotifications(w http.ResponseWriter, r *http.Request) {
	act := mustActor(r)
	q := r.URL.Query()
	if q.Get("count") == "true" {
		n, err := a.Activity.UnreadCount(r.Context(), act.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": n})
		return
	}
	ns, err := a.Activity.Notifications(r.Context(), act.ID, q.Get("unread") == "true", queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]models.Notification, 0, len(ns))
	for _, n := range ns {
		out = append(out, card.NotificationView(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (a *App) handleMarkNotifications(w http.ResponseWriter, r *http.Request) {
	var body models.NotificationsPatch
	if !decodeJSON(w, r, &body) {
		return
	}
	var err error
	switch {
	case body.All:
		err = a.Activity.MarkAllRead(r.Context(), mustActor(r).ID)
	case body.ID != "":
		err = a.Activity.MarkRead(r.Context(), body.ID)
	default:
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{
			Error:   "id or all is required",
			Details: map[string][]string{"id": {"id or all is required"}},
		})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "Notification not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// queryInt parses an integer query parameter; absent or malformed values yield 0.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}
