package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const DefaultKeepalive = 30 * time.Second

// Handler serves GET /stream. keepalive <= 0 uses DefaultKeepalive.
func Handler(b *Broadcaster, keepalive time.Duration) http.HandlerFunc {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		// Streams outlive the server write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub := b.Subscribe()
		defer b.Unsubscribe(sub.ID)

		hello, _ := json.Marshal(map[string]any{"clientId": sub.ID, "timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
		if err := writeFrame(w, Frame{Event: "connected", Data: hello}); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
					slog.Debug("sse client gone", "client", sub.ID, "err", err)
					return
				}
				flusher.Flush()
			case f, ok := <-sub.Frames:
				if !ok {
					return
				}
				if err := writeFrame(w, f); err != nil {
					slog.Debug("sse client gone", "client", sub.ID, "err", err)
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, f Frame) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
	return err
}
