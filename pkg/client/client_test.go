package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ddikddak/dockerclaw-sub000/internal/httpapi"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:3548", "")
	if c.BaseURL != "http://localhost:3548" || c.APIKey != "" {
		t.Errorf("New: %+v", c)
	}
	c2 := New("http://localhost:3548", "secret")
	if c2.APIKey != "secret" {
		t.Errorf("New with key: %+v", c2)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	ok, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !ok {
		t.Fatal("Health: expected ok true")
	}
}

func TestHealth_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	_, err := c.Health(ctx)
	if err == nil {
		t.Fatal("expected error from 503")
	}
}

func TestClient_setsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "mykey")
	ctx := context.Background()
	_, _ = c.Health(ctx)
	if gotKey != "mykey" {
		t.Errorf("X-API-Key: got %q", gotKey)
	}
}

func TestAct_postsActionAndDecodes(t *testing.T) {
	var got models.ActionRequest
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"action":{"id":"x1","action":"move"},"card":{"id":"c 1","status":"in_progress","version":2}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "k").Act(context.Background(), "c 1", models.ActionRequest{
		Action: "move", Payload: map[string]any{"column": "in_progress"}, Version: 1,
	})
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/cards/c 1/actions" {
		t.Errorf("request: %s %s", gotMethod, gotPath)
	}
	if got.Action != "move" || got.Payload["column"] != "in_progress" || got.Version != 1 {
		t.Errorf("body: %+v", got)
	}
	if !res.Success || res.Card.Status != "in_progress" || res.Card.Version != 2 {
		t.Errorf("response: %+v", res)
	}
}

func TestAsHuman_setsActorHeaders(t *testing.T) {
	var typ, id, name string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		typ, id, name = r.Header.Get("X-Actor-Type"), r.Header.Get("X-Actor-Id"), r.Header.Get("X-Actor-Name")
		w.Write([]byte(`{"count":3}`))
	}))
	defer srv.Close()

	base := New(srv.URL, "k")
	n, err := base.AsHuman("u1", "Ada").UnreadCount(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("UnreadCount: n=%d err=%v", n, err)
	}
	if typ != "human" || id != "u1" || name != "Ada" {
		t.Errorf("actor headers: %q %q %q", typ, id, name)
	}
	if base.Human != nil {
		t.Error("AsHuman must not modify the receiver")
	}
}

func TestAPIError_carriesStatusAndDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Invalid column: nope","details":{"payload.column":["Invalid column: nope"]}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").Act(context.Background(), "c1", models.ActionRequest{Action: "move"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "Invalid column: nope" {
		t.Errorf("APIError: %+v", apiErr)
	}
	if len(apiErr.Details["payload.column"]) != 1 {
		t.Errorf("details: %v", apiErr.Details)
	}
}

func TestActivityQuery_encode(t *testing.T) {
	if q := (ActivityQuery{}).encode(); q != "" {
		t.Errorf("empty query: %q", q)
	}
	q := ActivityQuery{TargetID: "c1", Action: "card_approved", Limit: 5}.encode()
	if q != "?action=card_approved&limit=5&targetId=c1" {
		t.Errorf("encoded: %q", q)
	}
}

func TestClient_againstServer(t *testing.T) {
	app, err := httpapi.NewApp(httpapi.ServerOptions{Home: filepath.Join(t.TempDir(), "home"), Addr: ":0"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	defer func() {
		app.Broadcaster.Close()
		ts.Close()
		app.Close()
	}()
	ctx := context.Background()

	reg, err := New(ts.URL, "").RegisterAgent(ctx, models.RegisterAgentRequest{Name: "bot", Email: "bot@example.com"})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	c := New(ts.URL, reg.APIKey)

	card, err := c.CreateCard(ctx, "review", map[string]any{"title": "Ship it"})
	if err != nil {
		t.Fatalf("CreateCard: %v", err)
	}
	if card.Status != models.StatusPending || card.Version != 1 {
		t.Fatalf("new card: %+v", card)
	}
	res, err := c.Act(ctx, card.ID, models.ActionRequest{Action: models.ActionApprove})
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if res.Card.Status != models.StatusApproved {
		t.Errorf("status after approve: %q", res.Card.Status)
	}

	_, err = c.Act(ctx, card.ID, models.ActionRequest{Action: models.ActionReject, Version: 1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("stale version: %v", err)
	}

	human := c.AsHuman("u1", "Ada")
	cm, err := human.AddComment(ctx, card.ID, models.CommentRequest{Content: "  looks good  "})
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if cm.Content != "looks good" || cm.AuthorType != "human" || cm.AuthorName != "Ada" {
		t.Errorf("comment: %+v", cm)
	}
	toggle, err := human.ToggleReaction(ctx, card.ID, "🚀")
	if err != nil || toggle.Action != "added" {
		t.Fatalf("ToggleReaction: %+v %v", toggle, err)
	}
	rs, err := human.Reactions(ctx, card.ID)
	if err != nil || len(rs.Grouped) != 1 || !rs.Grouped[0].UserReacted {
		t.Fatalf("Reactions: %+v %v", rs, err)
	}

	acts, err := c.Activity(ctx, ActivityQuery{TargetID: card.ID})
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if len(acts) == 0 {
		t.Error("expected activity for the card")
	}
	if err := human.DeleteComment(ctx, cm.ID); err != nil {
		t.Errorf("DeleteComment: %v", err)
	}
	comments, _ := c.ListComments(ctx, card.ID)
	if len(comments) != 0 {
		t.Errorf("comments after delete: %d", len(comments))
	}
}
