package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ddikddak/dockerclaw-sub000/internal/otel"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/internal/webhook"
)

// Sender posts one webhook.
type Sender interface {
	Post(ctx context.Context, url string, p webhook.Payload) error
}

// Notifier fans an activity entry out to users.
type Notifier interface {
	Notify(ctx context.Context, activityID string, userIDs []string) error
}

const (
	defaultInterval    = 2 * time.Second
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultMaxAttempts = 5
	defaultLease       = 30 * time.Second
	defaultBatch       = 32
)

// Worker drains pending effects with a bounded pool. Effects arrive either through Submit
// right after commit or through the poll loop, which also picks up retries and effects left
// behind by a crash.
type Worker struct {
	Store    store.Store
	Webhooks Sender
	Notifier Notifier

	Workers     int
	Interval    time.Duration // between poll rounds
	MaxAttempts int
	Lease       time.Duration
	// InitialBackoff and MaxBackoff shape the exponential retry schedule.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	once  sync.Once
	queue chan store.Effect
}

func (w *Worker) init() {
	w.once.Do(func() {
		w.queue = make(chan store.Effect, defaultQueueSize)
	})
}

// Submit hands freshly committed effects to the pool without waiting. If the queue is full
// the effect is left for the poll loop.
func (w *Worker) Submit(effects ...store.Effect) {
	w.init()
	for _, e := range effects {
		select {
		case w.queue <- e:
		default:
			slog.Warn("outbox queue full, deferring to poller", "effect_id", e.EffectID, "kind", e.Kind)
		}
	}
}

// Run runs the pool and the poll loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.init()
	n := w.Workers
	if n <= 0 {
		n = defaultWorkers
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-w.queue:
					w.process(ctx, e)
				}
			}
		}()
	}

	interval := w.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	due, err := w.Store.ClaimDueEffects(ctx, time.Now().UTC(), defaultBatch, w.lease())
	if err != nil {
		slog.Error("outbox claim failed", "err", err)
		return
	}
	for _, e := range due {
		select {
		case w.queue <- e:
		case <-ctx.Done():
			return
		}
	}
}

// processDue claims and processes every due effect inline. It returns how many it claimed.
func (w *Worker) processDue(ctx context.Context) (int, error) {
	due, err := w.Store.ClaimDueEffects(ctx, time.Now().UTC(), defaultBatch, w.lease())
	if err != nil {
		return 0, err
	}
	for _, e := range due {
		w.process(ctx, e)
	}
	return len(due), nil
}

// process owns e only once AcquireEffect succeeds. A copy whose lease was rotated by a later
// claim, or whose effect already finished, is dropped without being applied.
func (w *Worker) process(ctx context.Context, e store.Effect) {
	lease, err := w.Store.AcquireEffect(ctx, e.EffectID, e.LeaseID, time.Now().UTC().Add(w.lease()))
	if errors.Is(err, store.ErrLeaseLost) {
		slog.Debug("outbox effect already taken", "effect_id", e.EffectID, "kind", e.Kind)
		otel.RecordEffect(ctx, e.Kind, "stale")
		return
	}
	if err != nil {
		slog.Error("outbox acquire failed", "effect_id", e.EffectID, "err", err)
		return
	}

	attempt := e.Attempts + 1
	err = w.apply(ctx, e)
	if err == nil {
		if err := w.Store.CompleteEffect(ctx, e.EffectID, lease, attempt); err != nil {
			slog.Error("outbox complete failed", "effect_id", e.EffectID, "err", err)
		}
		otel.RecordEffect(ctx, e.Kind, "done")
		return
	}

	if attempt >= w.maxAttempts() {
		slog.Error("outbox effect dead", "effect_id", e.EffectID, "kind", e.Kind, "attempts", attempt, "err", err)
		if kerr := w.Store.KillEffect(ctx, e.EffectID, lease, attempt, err.Error()); kerr != nil {
			slog.Error("outbox kill failed", "effect_id", e.EffectID, "err", kerr)
		}
		otel.RecordEffect(ctx, e.Kind, "dead")
		return
	}
	next := time.Now().UTC().Add(w.backoffFor(attempt))
	slog.Warn("outbox effect failed, retrying", "effect_id", e.EffectID, "kind", e.Kind, "attempt", attempt, "next", next, "err", err)
	if rerr := w.Store.RetryEffect(ctx, e.EffectID, lease, attempt, next, err.Error()); rerr != nil {
		slog.Error("outbox retry failed", "effect_id", e.EffectID, "err", rerr)
	}
	otel.RecordEffect(ctx, e.Kind, "retry")
}

func (w *Worker) apply(ctx context.Context, e store.Effect) error {
	switch e.Kind {
	case KindWebhook:
		if w.Webhooks == nil {
			return fmt.Errorf("no webhook sender configured")
		}
		var we WebhookEffect
		if err := json.Unmarshal(e.Payload, &we); err != nil {
			return fmt.Errorf("decode webhook effect: %w", err)
		}
		return w.Webhooks.Post(ctx, we.URL, we.Payload)
	case KindNotify:
		if w.Notifier == nil {
			return fmt.Errorf("no notifier configured")
		}
		var ne NotifyEffect
		if err := json.Unmarshal(e.Payload, &ne); err != nil {
			return fmt.Errorf("decode notify effect: %w", err)
		}
		return w.Notifier.Notify(ctx, ne.ActivityID, ne.UserIDs)
	default:
		return fmt.Errorf("unknown effect kind %q", e.Kind)
	}
}

// backoffFor returns the delay before attempt+1, growing exponentially from InitialBackoff.
func (w *Worker) backoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if w.InitialBackoff > 0 {
		b.InitialInterval = w.InitialBackoff
	}
	if w.MaxBackoff > 0 {
		b.MaxInterval = w.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return w.MaxAttempts
}

func (w *Worker) lease() time.Duration {
	if w.Lease <= 0 {
		return defaultLease
	}
	return w.Lease
}
