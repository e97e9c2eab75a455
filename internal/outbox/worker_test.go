package outbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func dueNow(e store.Effect) store.Effect {
	e.NextAttemptAt = time.Now().UTC().Add(-time.Second)
	return e
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []NotifyEffect
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, activityID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, NotifyEffect{ActivityID: activityID, UserIDs: userIDs})
	return f.err
}

func TestWorker_SubmitDeliversWebhook(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e, err := NewWebhookEffect(srv.URL, webhook.Payload{Event: "card_action", Action: "approve", CardID: "c1"})
	require.NoError(t, err)
	require.NoError(t, st.EnqueueEffects(context.Background(), []store.Effect{e}))

	w := &Worker{Store: st, Webhooks: webhook.New(webhook.Options{}), Interval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	w.Submit(e)
	require.Eventually(t, func() bool {
		got, err := st.GetEffect(context.Background(), e.EffectID)
		return err == nil && got.Status == store.EffectDone
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, hits.Load())
}

func TestWorker_RetriesThenMarksDead(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e, err := NewWebhookEffect(srv.URL, webhook.Payload{Event: "card_action", CardID: "c1"})
	require.NoError(t, err)
	require.NoError(t, st.EnqueueEffects(context.Background(), []store.Effect{dueNow(e)}))

	w := &Worker{
		Store: st, Webhooks: webhook.New(webhook.Options{Rate: -1}),
		MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	}
	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, _ = w.processDue(ctx)
		got, err := st.GetEffect(ctx, e.EffectID)
		return err == nil && got.Status == store.EffectDead
	}, 5*time.Second, 10*time.Millisecond)

	got, err := st.GetEffect(ctx, e.EffectID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "502")
	assert.EqualValues(t, 3, hits.Load())

	n, err := w.processDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead effects are never claimed again")
}

func TestWorker_StaleQueuedCopyIsDropped(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e, err := NewWebhookEffect(srv.URL, webhook.Payload{Event: "card_action", Action: "approve", CardID: "c1"})
	require.NoError(t, err)
	e = dueNow(e)
	require.NoError(t, st.EnqueueEffects(context.Background(), []store.Effect{e}))

	w := &Worker{Store: st, Webhooks: webhook.New(webhook.Options{Rate: -1})}
	ctx := context.Background()
	n, err := w.processDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The copy handed to Submit at commit time reaches a pool worker late.
	w.process(ctx, e)
	w.process(ctx, e)

	assert.EqualValues(t, 1, hits.Load())
	got, err := st.GetEffect(ctx, e.EffectID)
	require.NoError(t, err)
	assert.Equal(t, store.EffectDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestWorker_SubmittedCopyBlocksPoller(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	n := &fakeNotifier{err: errors.New("db down")}
	e, _ := NewNotifyEffect("log1", []string{"u1"})
	e = dueNow(e)
	require.NoError(t, st.EnqueueEffects(context.Background(), []store.Effect{e}))

	w := &Worker{Store: st, Notifier: n, InitialBackoff: time.Hour}
	ctx := context.Background()
	w.process(ctx, e)

	handled, err := w.processDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, handled, "a retry scheduled by the first holder is not due yet")
	n.mu.Lock()
	assert.Len(t, n.calls, 1)
	n.mu.Unlock()
}

func TestWorker_NotifyEffect(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	n := &fakeNotifier{}
	e, err := NewNotifyEffect("log1", []string{"u1", "u2"})
	require.NoError(t, err)
	require.NoError(t, st.EnqueueEffects(context.Background(), []store.Effect{dueNow(e)}))

	w := &Worker{Store: st, Notifier: n}
	handled, err := w.processDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	require.Len(t, n.calls, 1)
	assert.Equal(t, "log1", n.calls[0].ActivityID)
	assert.Equal(t, []string{"u1", "u2"}, n.calls[0].UserIDs)

	got, _ := st.GetEffect(context.Background(), e.EffectID)
	assert.Equal(t, store.EffectDone, got.Status)
}

func TestWorker_NotifyFailureIsRetried(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	n := &fakeNotifier{err: errors.New("db down")}
	e, _ := NewNotifyEffect("log1", []string{"u1"})
	require.NoError(t, st.EnqueueEffects(context.Background(), []store.Effect{dueNow(e)}))

	w := &Worker{Store: st, Notifier: n, InitialBackoff: time.Hour}
	_, err := w.processDue(context.Background())
	require.NoError(t, err)

	got, _ := st.GetEffect(context.Background(), e.EffectID)
	assert.Equal(t, store.EffectPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextAttemptAt.After(time.Now().Add(30*time.Minute)))
}

func TestWorker_FreshEffectsWaitForSubmitLease(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	e, _ := NewNotifyEffect("log1", []string{"u1"})
	require.NoError(t, st.EnqueueEffects(context.Background(), []store.Effect{e}))

	w := &Worker{Store: st, Notifier: &fakeNotifier{}}
	n, err := w.processDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	w := &Worker{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	first := w.backoffFor(1)
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 150*time.Millisecond)
	assert.LessOrEqual(t, w.backoffFor(20), 1500*time.Millisecond)
	assert.Greater(t, w.backoffFor(6), first)
}
