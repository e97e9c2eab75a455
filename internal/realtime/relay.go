package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel frames are relayed on.
const DefaultChannel = "dockerclaw:sse"

// Relay publishes frames through Redis so every process sharing the channel delivers them to
// its own local subscribers. Delivery stays at-most-once.
type Relay struct {
	rdb     *redis.Client
	channel string
	local   *Broadcaster

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRelay creates a relay. channel "" uses DefaultChannel.
func NewRelay(rdb *redis.Client, channel string, local *Broadcaster) (*Relay, error) {
	if rdb == nil || local == nil {
		return nil, errors.New("redis client and local broadcaster required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{rdb: rdb, channel: channel, local: local}, nil
}

// Publish sends the frame to Redis. If Redis is unavailable the frame is delivered locally only.
func (r *Relay) Publish(ctx context.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("sse encode failed", "event", event, "err", err)
		return
	}
	f := Frame{Event: event, Data: data}
	msg, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, msg).Err(); err != nil {
		slog.Warn("redis relay publish failed, delivering locally", "event", event, "err", err)
		r.local.Deliver(ctx, f)
	}
}

// Start subscribes to the channel and returns once the subscription is confirmed. Frames are
// delivered to the local broadcaster until ctx is cancelled or Close is called.
func (r *Relay) Start(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.pubsub, r.done = pubsub, done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f Frame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					slog.Warn("redis relay dropped malformed frame", "err", err)
					continue
				}
				r.local.Deliver(ctx, f)
			}
		}
	}()
	return nil
}

// Close stops the subscriber started by Start.
func (r *Relay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
