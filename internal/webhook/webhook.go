// Package webhook posts card events to agent webhook URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/otel"
	"golang.org/x/time/rate"
)

const (
	UserAgent      = "DockerClaw/1.0"
	DefaultTimeout = 10 * time.Second
	// DefaultRate bounds outbound POSTs per second across all agents.
	DefaultRate  = 20
	DefaultBurst = 40
)

// Payload is the JSON body agents receive.
type Payload struct {
	Event  string         `json:"event"`
	Action string         `json:"action,omitempty"`
	CardID string         `json:"card_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// Options configures a Dispatcher. Zero values use the defaults.
type Options struct {
	Client  *http.Client
	Timeout time.Duration
	Rate    float64 // requests per second; < 0 disables limiting
	Burst   int
}

// Dispatcher makes single best-effort webhook POSTs. It never retries.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{client: opts.Client, timeout: opts.Timeout}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	switch {
	case opts.Rate < 0:
		d.limiter = rate.NewLimiter(rate.Inf, 0)
	case opts.Rate == 0:
		d.limiter = rate.NewLimiter(rate.Limit(DefaultRate), DefaultBurst)
	default:
		burst := opts.Burst
		if burst <= 0 {
			burst = max(1, int(opts.Rate))
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return d
}

// Send POSTs p to url and reports whether the endpoint answered 2xx. Failures are logged.
func (d *Dispatcher) Send(ctx context.Context, url string, p Payload) bool {
	if err := d.Post(ctx, url, p); err != nil {
		slog.Warn("webhook delivery failed", "url", url, "event", p.Event, "card_id", p.CardID, "err", err)
		return false
	}
	return true
}

// Post is Send with the failure reason returned.
func (d *Dispatcher) Post(ctx context.Context, url string, p Payload) error {
	if url == "" {
		return fmt.Errorf("webhook URL not set")
	}
	if err := d.limiter.Wait(ctx); err != nil {
		otel.RecordWebhook(ctx, "limited")
		return fmt.Errorf("rate limited: %w", err)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		otel.RecordWebhook(ctx, "failed")
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		otel.RecordWebhook(ctx, "failed")
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	otel.RecordWebhook(ctx, "ok")
	return nil
}
