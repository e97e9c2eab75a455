package card

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/activity"
	"github.com/ddikddak/dockerclaw-sub000/internal/outbox"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	event   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	frames []published
}

func (f *fakePublisher) Publish(_ context.Context, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, published{event, payload})
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.frames...)
}

type fakeOutbox struct {
	mu      sync.Mutex
	effects []store.Effect
}

func (f *fakeOutbox) Submit(effects ...store.Effect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.effects = append(f.effects, effects...)
}

type fixture struct {
	st    store.Store
	eng   *Engine
	pub   *fakePublisher
	box   *fakeOutbox
	owner activity.Actor
	human activity.Actor
}

func newFixture(t *testing.T, webhookURL string) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	a := store.Agent{AgentID: "a1", Name: "builder", Email: "a1@example.com", APIKey: "key-a1", CreatedAt: time.Now()}
	if webhookURL != "" {
		a.WebhookURL = &webhookURL
	}
	require.NoError(t, st.CreateAgent(ctx, a))
	require.NoError(t, st.CreateAgent(ctx, store.Agent{AgentID: "a2", Name: "other", Email: "a2@example.com", APIKey: "key-a2", CreatedAt: time.Now()}))

	now := time.Now().UTC()
	require.NoError(t, st.CreateCard(ctx, store.Card{
		CardID: "c1", TemplateID: "review", AgentID: "a1",
		Data: map[string]any{
			"title": "Ship it",
			"body":  map[string]any{"content": "old", "lang": "go"},
			"list": map[string]any{"items": []any{
				map[string]any{"text": "one", "checked": false},
				map[string]any{"text": "two", "checked": true},
			}},
		},
		Status: store.StatusPending, Version: 1, CreatedAt: now, UpdatedAt: now,
	}, store.Provenance{}))

	f := &fixture{
		st:    st,
		pub:   &fakePublisher{},
		box:   &fakeOutbox{},
		owner: activity.Actor{Type: store.ActorAgent, ID: "a1", Name: "builder", AgentID: "a1"},
		human: activity.Actor{Type: store.ActorHuman, ID: "u1", Name: "Ada", AgentID: "a1"},
	}
	f.eng = &Engine{Store: st, Publisher: f.pub, Outbox: f.box}
	return f
}

func (f *fixture) card(t *testing.T) *store.Card {
	t.Helper()
	c, err := f.st.GetCard(context.Background(), "c1")
	require.NoError(t, err)
	return c
}

func (f *fixture) activities(t *testing.T) []store.ActivityEntry {
	t.Helper()
	es, err := f.st.ListActivity(context.Background(), store.ActivityFilter{Limit: 100})
	require.NoError(t, err)
	return es
}

func TestExecute_statusTransitions(t *testing.T) {
	t.Parallel()
	cases := []struct {
		action   string
		payload  map[string]any
		status   string
		activity string
	}{
		{"approve", nil, store.StatusApproved, activity.ActionApproved},
		{"reject", nil, store.StatusRejected, activity.ActionRejected},
		{"archive", nil, store.StatusArchived, activity.ActionArchived},
		{"delete", nil, store.StatusDeleted, activity.CardDeleted},
		{"move", map[string]any{"column": "in_progress"}, store.StatusInProgress, activity.CardMoved},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "")
			ctx := context.Background()
			res, err := f.eng.Execute(ctx, "c1", f.human, tc.action, tc.payload, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Card.Status)
			assert.EqualValues(t, 2, res.Card.Version)
			assert.Equal(t, StatusProcessed, res.Action.Status)
			assert.Equal(t, TypeCardAction, res.Action.Type)

			c := f.card(t)
			assert.Equal(t, tc.status, c.Status)
			assert.EqualValues(t, 2, c.Version)
			assert.Equal(t, "a1", c.AgentID)

			acts, err := f.st.ListCardActions(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, acts, 1)
			assert.Equal(t, tc.action, acts[0].Action)

			entries := f.activities(t)
			require.Len(t, entries, 1)
			assert.Equal(t, tc.activity, entries[0].Action)
			assert.Equal(t, "u1", entries[0].ActorID)

			events, err := f.st.TakePendingEvents(ctx, "a1")
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, TypeCardAction, events[0].Type)
			assert.Equal(t, res.Action.ActionID, events[0].Payload["action_id"])
			assert.Equal(t, tc.status, events[0].Payload["status"])
		})
	}
}

func TestExecute_moveRecordsPreviousStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	res, err := f.eng.Execute(context.Background(), "c1", f.human, "move", map[string]any{"column": "approved"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "pending", res.Action.Payload["previous_status"])
	assert.Equal(t, "approved", res.Action.Payload["column"])
	assert.Equal(t, map[string]any{"from": "pending", "to": "approved"}, res.Activity.Metadata)
}

func TestExecute_rejectsBadInputWithoutSideEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.eng.Execute(ctx, "c1", f.human, "move", map[string]any{"column": "nowhere"}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Details, "payload.column")

	_, err = f.eng.Execute(ctx, "c1", f.human, "move", nil, 0)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = f.eng.Execute(ctx, "c1", f.human, "explode", nil, 0)
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, 400, KindOf(err).HTTPStatus())

	c := f.card(t)
	assert.Equal(t, store.StatusPending, c.Status)
	assert.EqualValues(t, 1, c.Version)
	assert.Empty(t, f.activities(t))
	assert.Empty(t, f.pub.all())
}

func TestExecute_nonOwnerForbidden(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	other := activity.Actor{Type: store.ActorAgent, ID: "a2", AgentID: "a2"}
	_, err := f.eng.Execute(context.Background(), "c1", other, "reject", nil, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, 403, KindOf(err).HTTPStatus())
	assert.Equal(t, store.StatusPending, f.card(t).Status)
	assert.Empty(t, f.activities(t))
}

func TestExecute_unknownCard(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	_, err := f.eng.Execute(context.Background(), "missing", f.human, "approve", nil, 0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExecute_staleVersionConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	_, err := f.eng.Execute(ctx, "c1", f.human, "approve", nil, 1)
	require.NoError(t, err)

	_, err = f.eng.Execute(ctx, "c1", f.human, "reject", nil, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, 409, KindOf(err).HTTPStatus())

	c := f.card(t)
	assert.Equal(t, store.StatusApproved, c.Status)
	assert.EqualValues(t, 2, c.Version)
	acts, err := f.st.ListCardActions(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, acts, 1)
	assert.Len(t, f.activities(t), 1)
}

func TestExecute_concurrentWritersBothApply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, action := range []string{"approve", "archive"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.eng.Execute(ctx, "c1", f.human, action, nil, 0)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 3, f.card(t).Version)
	acts, err := f.st.ListCardActions(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, acts, 2)
}

func TestExecute_publishesActivityAndCardFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	res, err := f.eng.Execute(context.Background(), "c1", f.human, "approve", nil, 0)
	require.NoError(t, err)

	frames := f.pub.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "activity", frames[0].event)
	assert.Equal(t, "card:c1", frames[1].event)

	af := frames[0].payload.(models.ActivityFrame)
	cf := frames[1].payload.(models.CardFrame)
	assert.Equal(t, "activity", af.Type)
	assert.Equal(t, activity.ActionApproved, cf.Type)
	assert.Equal(t, "c1", cf.CardID)
	assert.Equal(t, res.Activity.ActivityID, af.Activity.ID)
	assert.Equal(t, af.Activity.ID, cf.Activity.ID)
}

func TestExecute_writesAndSubmitsEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "http://agent.invalid/hook")
	ctx := context.Background()

	// u2 commented earlier, so u2 is interested in what u1 does next.
	u2 := activity.Actor{Type: store.ActorHuman, ID: "u2", Name: "Grace", AgentID: "a1"}
	_, err := f.eng.AddComment(ctx, u2, "c1", CommentInput{Content: "looks good"})
	require.NoError(t, err)
	f.box.mu.Lock()
	f.box.effects = nil
	f.box.mu.Unlock()

	res, err := f.eng.Execute(ctx, "c1", f.human, "approve", nil, 0)
	require.NoError(t, err)

	f.box.mu.Lock()
	effects := append([]store.Effect(nil), f.box.effects...)
	f.box.mu.Unlock()
	require.Len(t, effects, 2)

	var hook outbox.WebhookEffect
	require.Equal(t, outbox.KindWebhook, effects[0].Kind)
	require.NoError(t, json.Unmarshal(effects[0].Payload, &hook))
	assert.Equal(t, "http://agent.invalid/hook", hook.URL)
	assert.Equal(t, TypeCardAction, hook.Payload.Event)
	assert.Equal(t, "approve", hook.Payload.Action)
	assert.Equal(t, "c1", hook.Payload.CardID)
	assert.Equal(t, res.Action.ActionID, hook.Payload.Data["action_id"])

	var note outbox.NotifyEffect
	require.Equal(t, outbox.KindNotify, effects[1].Kind)
	require.NoError(t, json.Unmarshal(effects[1].Payload, &note))
	assert.Equal(t, res.Activity.ActivityID, note.ActivityID)
	assert.Equal(t, []string{"u2"}, note.UserIDs)

	for _, e := range effects {
		got, err := f.st.GetEffect(ctx, e.EffectID)
		require.NoError(t, err)
		assert.Equal(t, store.EffectPending, got.Status)
	}
}

func TestExecuteComponent_editAndToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	res, err := f.eng.ExecuteComponent(ctx, "c1", "body", f.human, "edit_text", map[string]any{"text": "new"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": "new", "lang": "go"}, res.Card.Data["body"])
	assert.Equal(t, "body", res.Action.Payload["componentId"])
	assert.Equal(t, TypeComponentAction, res.Action.Type)
	assert.Equal(t, activity.CardUpdated, res.Activity.Action)
	assert.Equal(t, map[string]any{"component_id": "body", "action": "edit_text"}, res.Activity.Metadata)

	_, err = f.eng.ExecuteComponent(ctx, "c1", "snippet", f.human, "edit_code", map[string]any{"text": "fmt.Println()"}, 0)
	require.NoError(t, err)

	res, err = f.eng.ExecuteComponent(ctx, "c1", "list", f.human, "toggle_check", map[string]any{"itemIndex": float64(0)}, 0)
	require.NoError(t, err)
	items := res.Card.Data["list"].(map[string]any)["items"].([]any)
	assert.Equal(t, true, items[0].(map[string]any)["checked"])
	assert.Equal(t, true, items[1].(map[string]any)["checked"])

	stored := f.card(t)
	assert.EqualValues(t, 4, stored.Version)
	assert.Equal(t, map[string]any{"content": "fmt.Println()"}, stored.Data["snippet"])
	storedItems := stored.Data["list"].(map[string]any)["items"].([]any)
	assert.Equal(t, true, storedItems[0].(map[string]any)["checked"])
}

func TestExecuteComponent_toggleOutOfRangeIsRecordedNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	before := f.card(t)

	res, err := f.eng.ExecuteComponent(ctx, "c1", "list", f.human, "toggle_check", map[string]any{"itemIndex": float64(5)}, 0)
	require.NoError(t, err)
	assert.Equal(t, before.Data, res.Card.Data)
	assert.EqualValues(t, 2, res.Card.Version)
	acts, err := f.st.ListCardActions(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, acts, 1)
}

func TestExecuteComponent_validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	bad := []struct {
		action  string
		payload map[string]any
	}{
		{"toggle_check", map[string]any{"itemIndex": float64(-1)}},
		{"toggle_check", map[string]any{"itemIndex": 1.5}},
		{"toggle_check", map[string]any{"itemIndex": "0"}},
		{"edit_text", map[string]any{}},
		{"upload_image", map[string]any{"alt": "x"}},
		{"add_comment", map[string]any{}},
		{"paint", nil},
	}
	for _, b := range bad {
		_, err := f.eng.ExecuteComponent(ctx, "c1", "list", f.human, b.action, b.payload, 0)
		assert.Equal(t, KindInvalidInput, KindOf(err), "%s %v", b.action, b.payload)
	}
	assert.EqualValues(t, 1, f.card(t).Version)
}

func TestExecuteComponent_addCommentAndUploadImage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	res, err := f.eng.ExecuteComponent(ctx, "c1", "notes", f.human, "add_comment", map[string]any{"comment": "hi"}, 0)
	require.NoError(t, err)
	comments := res.Card.Data["comments"].([]any)
	require.Len(t, comments, 1)
	c0 := comments[0].(map[string]any)
	assert.Equal(t, "hi", c0["text"])
	assert.Equal(t, "Ada", c0["author"])
	assert.NotEmpty(t, c0["id"])
	assert.NotEmpty(t, c0["timestamp"])

	res, err = f.eng.ExecuteComponent(ctx, "c1", "shot", f.human, "upload_image", map[string]any{"url": "https://img/1.png", "alt": "diagram"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "https://img/1.png", "alt": "diagram"}, res.Card.Data["shot"])
}

func TestCreate_recordsCardCreated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	c, err := f.eng.Create(ctx, f.owner, "review", map[string]any{"title": "New work"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, c.Status)
	assert.EqualValues(t, 1, c.Version)
	assert.Equal(t, "a1", c.AgentID)

	es, err := f.st.ListActivity(ctx, store.ActivityFilter{TargetID: c.CardID})
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, activity.CardCreated, es[0].Action)
	assert.Equal(t, "New work", es[0].Metadata["title"])

	_, err = f.eng.Create(ctx, f.owner, " ", nil)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	cards, err := f.eng.List(ctx, f.owner, 0)
	require.NoError(t, err)
	assert.Len(t, cards, 2)
}
