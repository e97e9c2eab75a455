package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/webhook"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
)

type testEnv struct {
	app *App
	ts  *httptest.Server
}

func newTestEnv(t *testing.T, tweaks ...func(*ServerOptions)) *testEnv {
	t.Helper()
	opts := ServerOptions{
		Home:           t.TempDir(),
		Addr:           "127.0.0.1:0",
		Webhook:        webhook.Options{Rate: -1, Timeout: 2 * time.Second},
		OutboxInterval: 50 * time.Millisecond,
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		app.Broadcaster.Close()
		ts.Close()
		cancel()
		app.Close()
	})
	return &testEnv{app: app, ts: ts}
}

// human returns headers that make the request act as a human through the key.
func human(id, name string) map[string]string {
	return map[string]string{HeaderActorType: "human", HeaderActorID: id, HeaderActorName: name}
}

func (e *testEnv) do(t *testing.T, method, path, key string, headers map[string]string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func (e *testEnv) register(t *testing.T, name, email, hook string) models.RegisterAgentResponse {
	t.Helper()
	req := models.RegisterAgentRequest{Name: name, Email: email}
	if hook != "" {
		req.WebhookURL = &hook
	}
	resp, b := e.do(t, http.MethodPost, "/agents/register", "", nil, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status=%d body=%s", resp.StatusCode, b)
	}
	var out models.RegisterAgentResponse
	mustDecode(t, b, &out)
	return out
}

func (e *testEnv) createCard(t *testing.T, key string, data map[string]any) models.Card {
	t.Helper()
	resp, b := e.do(t, http.MethodPost, "/cards", key, nil, models.CreateCardRequest{TemplateID: "review", Data: data})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create card status=%d body=%s", resp.StatusCode, b)
	}
	var out struct {
		Card models.Card `json:"card"`
	}
	mustDecode(t, b, &out)
	return out.Card
}

func mustDecode(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, body []byte, code int) {
	t.Helper()
	if resp.StatusCode != code {
		t.Fatalf("%s %s: status=%d want %d body=%s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, code, body)
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type sseFrame struct {
	event string
	data  string
}

// openStream connects to /stream and returns a channel of parsed frames.
func (e *testEnv) openStream(t *testing.T, key string) <-chan sseFrame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/stream?api_key="+key, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET /stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("GET /stream status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type=%q", ct)
	}
	frames := make(chan sseFrame, 64)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()
		sc := bufio.NewScanner(resp.Body)
		var cur sseFrame
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if cur.event != "" {
					frames <- cur
				}
				cur = sseFrame{}
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	t.Cleanup(cancel)
	return frames
}

func nextFrame(t *testing.T, frames <-chan sseFrame, event string) sseFrame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed waiting for %q", event)
			}
			if f.event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", event)
		}
	}
}
