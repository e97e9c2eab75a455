// Package realtime pushes activity frames to connected SSE clients. A single goroutine owns
// the connection registry; callers talk to it over channels.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ddikddak/dockerclaw-sub000/internal/otel"
	"github.com/google/uuid"
)

// Frame is one named SSE event with a pre-encoded JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Publisher accepts frames for every connected client.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any)
}

// Subscription is one registered client.
type Subscription struct {
	ID     string
	Frames <-chan Frame
}

type sink struct {
	id string
	ch chan Frame
}

const (
	defaultSinkBuffer    = 64
	defaultPublishBuffer = 1024
)

// Broadcaster fans frames out to subscribers. Delivery is at-most-once: a subscriber whose
// buffer is full is dropped and its channel closed.
type Broadcaster struct {
	register   chan *sink
	unregister chan string
	publish    chan Frame
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	sinkBuffer int
	count      atomic.Int64
}

// NewBroadcaster starts the registry goroutine. sinkBuffer <= 0 uses the default.
func NewBroadcaster(sinkBuffer int) *Broadcaster {
	if sinkBuffer <= 0 {
		sinkBuffer = defaultSinkBuffer
	}
	b := &Broadcaster{
		register:   make(chan *sink),
		unregister: make(chan string),
		publish:    make(chan Frame, defaultPublishBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		sinkBuffer: sinkBuffer,
	}
	go b.run()
	return b
}

func (b *Broadcaster) run() {
	defer close(b.done)
	sinks := make(map[string]*sink)
	drop := func(id string) {
		if s, ok := sinks[id]; ok {
			delete(sinks, id)
			close(s.ch)
			b.count.Add(-1)
			otel.RemoveSSEConnection()
		}
	}
	for {
		select {
		case <-b.quit:
			for id := range sinks {
				drop(id)
			}
			return
		case s := <-b.register:
			sinks[s.id] = s
			b.count.Add(1)
			otel.AddSSEConnection()
		case id := <-b.unregister:
			drop(id)
		case f := <-b.publish:
			for id, s := range sinks {
				select {
				case s.ch <- f:
				default:
					slog.Warn("sse subscriber too slow, dropping", "client", id)
					drop(id)
				}
			}
		}
	}
}

// Subscribe registers a new client. The returned channel is closed on Unsubscribe, on
// overflow, or when the broadcaster closes.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &sink{id: uuid.NewString(), ch: make(chan Frame, b.sinkBuffer)}
	select {
	case b.register <- s:
	case <-b.quit:
		close(s.ch)
	}
	return &Subscription{ID: s.id, Frames: s.ch}
}

// Unsubscribe removes a client. Unknown or already-dropped ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	select {
	case b.unregister <- id:
	case <-b.quit:
	}
}

// Publish encodes payload and enqueues it for every subscriber.
func (b *Broadcaster) Publish(ctx context.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("sse encode failed", "event", event, "err", err)
		return
	}
	b.Deliver(ctx, Frame{Event: event, Data: data})
}

// Deliver enqueues an already-encoded frame.
func (b *Broadcaster) Deliver(ctx context.Context, f Frame) {
	select {
	case b.publish <- f:
		otel.RecordSSEEvent(ctx, f.Event)
	case <-b.quit:
	case <-ctx.Done():
	}
}

// Len returns the number of registered clients.
func (b *Broadcaster) Len() int { return int(b.count.Load()) }

// Close stops the registry goroutine and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() { close(b.quit) })
	<-b.done
}
