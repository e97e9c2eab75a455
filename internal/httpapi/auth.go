package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ddikddak/dockerclaw-sub000/internal/activity"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
)

// Actor headers let a human act through an agent's key.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderActorType = "X-Actor-Type"
	HeaderActorID   = "X-Actor-Id"
	HeaderActorName = "X-Actor-Name"
)

type actorKey struct{}

func withActor(ctx context.Context, a activity.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// actorFrom returns the actor resolved by authMiddleware.
func actorFrom(ctx context.Context) (activity.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(activity.Actor)
	return a, ok
}

// public paths skip authentication.
func public(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/metrics":
		return true
	case "/agents/register":
		return r.Method == http.MethodPost
	}
	return r.Method == http.MethodOptions
}

// authMiddleware resolves X-API-Key (or the api_key query parameter, for EventSource
// clients) to an agent and stores the acting identity in the request context.
func authMiddleware(st store.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if public(r) {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key == "" {
			writeJSONError(w, http.StatusUnauthorized, "Missing API key")
			return
		}
		agent, err := st.GetAgentByAPIKey(r.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		if err != nil {
			slog.Error("api key lookup failed", "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), resolveActor(r, agent))))
	})
}

// resolveActor defaults to the agent itself; X-Actor-Type: human switches to a human
// identified by X-Actor-Id and X-Actor-Name.
func resolveActor(r *http.Request, agent *store.Agent) activity.Actor {
	a := activity.Actor{Type: store.ActorAgent, ID: agent.AgentID, Name: agent.Name, AgentID: agent.AgentID}
	if strings.EqualFold(r.Header.Get(HeaderActorType), store.ActorHuman) {
		a.Type = store.ActorHuman
		a.ID = strings.TrimSpace(r.Header.Get(HeaderActorID))
		if a.ID == "" {
			a.ID = "anonymous"
		}
		a.Name = strings.TrimSpace(r.Header.Get(HeaderActorName))
	}
	return a
}
