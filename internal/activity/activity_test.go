package activity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T) (*Recorder, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &Recorder{Store: st}, st
}

func TestNewEntryFillsOptionalFields(t *testing.T) {
	t.Parallel()
	e := NewEntry(CardMoved, Actor{Type: store.ActorHuman, ID: "u1", Name: "Ann"}, TargetCard, "c1", nil)
	assert.NotEmpty(t, e.ActivityID)
	require.NotNil(t, e.ActorName)
	assert.Equal(t, "Ann", *e.ActorName)
	require.NotNil(t, e.TargetID)
	assert.Equal(t, "c1", *e.TargetID)
	assert.NotNil(t, e.Metadata)

	bare := NewEntry(CardCreated, Actor{Type: store.ActorSystem, ID: "system"}, "", "", nil)
	assert.Nil(t, bare.ActorName)
	assert.Nil(t, bare.TargetType)
	assert.Nil(t, bare.TargetID)
}

func TestRecordAndListNewestFirst(t *testing.T) {
	t.Parallel()
	r, _ := newRecorder(t)
	ctx := context.Background()
	actor := Actor{Type: store.ActorAgent, ID: "bot"}

	base := time.Now().UTC()
	for i, action := range []string{CardCreated, CardUpdated, ActionApproved} {
		e := NewEntry(action, actor, TargetCard, "c1", map[string]any{"i": i})
		e.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		_, err := r.Record(ctx, e)
		require.NoError(t, err)
	}
	_, err := r.Record(ctx, NewEntry(CardCreated, actor, TargetCard, "c2", nil))
	require.NoError(t, err)

	got, err := r.List(ctx, Filter{TargetID: "c1"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ActionApproved, got[0].Action)
	assert.Equal(t, CardCreated, got[2].Action)

	approved, err := r.List(ctx, Filter{Action: ActionApproved}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, approved, 1)

	paged, err := r.List(ctx, Filter{TargetID: "c1"}, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, CardUpdated, paged[0].Action)
}

func TestNotifyDedupesAndMarkAllReadIsIdempotent(t *testing.T) {
	t.Parallel()
	r, _ := newRecorder(t)
	ctx := context.Background()

	e, err := r.Record(ctx, NewEntry(CommentAdded, Actor{Type: store.ActorHuman, ID: "u1"}, TargetCard, "c1", nil))
	require.NoError(t, err)
	require.NoError(t, r.Notify(ctx, e.ActivityID, []string{"u2", "u2", "", "u3"}))
	require.NoError(t, r.Notify(ctx, e.ActivityID, nil))

	n, err := r.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := r.Notifications(ctx, "u2", true, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, CommentAdded, list[0].Activity.Action)

	require.NoError(t, r.MarkAllRead(ctx, "u2"))
	n, _ = r.UnreadCount(ctx, "u2")
	assert.Equal(t, 0, n)
	require.NoError(t, r.MarkAllRead(ctx, "u2"))
	n, _ = r.UnreadCount(ctx, "u2")
	assert.Equal(t, 0, n)

	require.NoError(t, r.MarkRead(ctx, mustFirst(t, r, "u3")))
	n, _ = r.UnreadCount(ctx, "u3")
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, r.MarkRead(ctx, "missing"), store.ErrNotFound)
}

func mustFirst(t *testing.T, r *Recorder, user string) string {
	t.Helper()
	list, err := r.Notifications(context.Background(), user, true, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0].NotificationID
}

func TestCollaboratorsExcludeActorAndAgents(t *testing.T) {
	t.Parallel()
	_, st := newRecorder(t)
	ctx := context.Background()

	require.NoError(t, st.CreateAgent(ctx, store.Agent{AgentID: "a1", Name: "bot", Email: "bot@example.com", APIKey: "k1"}))
	now := time.Now()
	require.NoError(t, st.CreateCard(ctx, store.Card{CardID: "c1", TemplateID: "t", AgentID: "a1", Status: store.StatusPending, Version: 1, CreatedAt: now, UpdatedAt: now}, store.Provenance{}))
	for i, author := range []struct{ typ, id string }{{store.ActorHuman, "u1"}, {store.ActorHuman, "u2"}, {store.ActorAgent, "a1"}} {
		require.NoError(t, st.CreateComment(ctx, store.Comment{
			CommentID: string(rune('a' + i)), CardID: "c1", AuthorType: author.typ, AuthorID: author.id,
			AuthorName: author.id, Content: "x", CreatedAt: now,
		}, store.Provenance{}))
	}

	users, err := Collaborators{Store: st}.InterestedUsers(ctx, "c1", Actor{Type: store.ActorHuman, ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, users)

	none, err := Nobody{}.InterestedUsers(ctx, "c1", Actor{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDedupe(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b"}, Dedupe([]string{"a", "", "b", "a"}))
	assert.Empty(t, Dedupe(nil))
}
