package otel

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	cardActionsCounter  metric.Int64Counter
	webhookCounter      metric.Int64Counter
	effectsCounter      metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      atomic.Int64
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		cardActionsCounter, err = m.Int64Counter("dockerclaw_card_actions_total", metric.WithDescription("Card and component actions by outcome"))
		if err != nil {
			return
		}
		webhookCounter, err = m.Int64Counter("dockerclaw_webhook_deliveries_total", metric.WithDescription("Outbound webhook POSTs by outcome"))
		if err != nil {
			return
		}
		effectsCounter, err = m.Int64Counter("dockerclaw_outbox_effects_total", metric.WithDescription("Outbox effect attempts by kind and outcome"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("dockerclaw_sse_events_total", metric.WithDescription("Total SSE frames published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("dockerclaw_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(sseConnectionsGauge, sseConnections.Load())
			return nil
		}, sseConnectionsGauge)
	})
	return err
}

// RecordCardAction records one executed card or component action.
func RecordCardAction(ctx context.Context, action, outcome string) {
	if cardActionsCounter == nil {
		return
	}
	cardActionsCounter.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action), AttrOutcome.String(outcome)))
}

// RecordWebhook records one webhook POST ("ok", "failed", "limited").
func RecordWebhook(ctx context.Context, outcome string) {
	if webhookCounter == nil {
		return
	}
	webhookCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// RecordEffect records one outbox attempt ("done", "retry", "dead", "stale").
func RecordEffect(ctx context.Context, kind, outcome string) {
	if effectsCounter == nil {
		return
	}
	effectsCounter.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), AttrOutcome.String(outcome)))
}

// RecordSSEEvent records one SSE frame published.
func RecordSSEEvent(ctx context.Context, event string) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1, metric.WithAttributes(AttrEvent.String(event)))
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() { sseConnections.Add(1) }

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	if sseConnections.Add(-1) < 0 {
		sseConnections.Store(0)
	}
}

// SSEConnections returns the current gauge value.
func SSEConnections() int64 { return sseConnections.Load() }

// StatsFunc returns card counts by status and the outbox backlog.
type StatsFunc func(ctx context.Context) (cards map[string]int64, pendingEffects int64, err error)

// InitMetricsWithStats creates instruments and optionally registers gauges fed by stats.
// Call after InitMeterProvider. If stats is nil, the gauges are not reported.
func InitMetricsWithStats(ctx context.Context, stats StatsFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if stats == nil {
		return nil
	}
	m := Meter()
	cardsGauge, err := m.Int64ObservableGauge("dockerclaw_cards_total", metric.WithDescription("Number of cards by status"))
	if err != nil {
		return err
	}
	pendingGauge, err := m.Int64ObservableGauge("dockerclaw_outbox_pending", metric.WithDescription("Pending outbox effects"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		cards, pending, err := stats(ctx)
		if err != nil {
			return err
		}
		for status, n := range cards {
			o.ObserveInt64(cardsGauge, n, metric.WithAttributes(AttrStatus.String(status)))
		}
		o.ObserveInt64(pendingGauge, pending)
		return nil
	}, cardsGauge, pendingGauge)
	return err
}
