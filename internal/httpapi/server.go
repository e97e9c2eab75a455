// Package httpapi serves the DockerClaw HTTP API: agent registration, cards and their
// actions, comments, reactions, the activity feed, notifications and the live event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/activity"
	"github.com/ddikddak/dockerclaw-sub000/internal/card"
	"github.com/ddikddak/dockerclaw-sub000/internal/outbox"
	"github.com/ddikddak/dockerclaw-sub000/internal/realtime"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/internal/store/postgres"
	"github.com/ddikddak/dockerclaw-sub000/internal/webhook"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (board UI served from another origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Actor-Type, X-Actor-Id, X-Actor-Name")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP app. Zero values use component defaults.
type ServerOptions struct {
	Home     string
	Addr     string
	Dev      bool
	DBDriver string      // "sqlite" (default) or "postgres"
	DBURL    string      // postgres connection string
	Store    store.Store // if set, used instead of opening DBDriver

	RedisURL     string // enables the cross-process stream relay
	RedisChannel string

	StreamKeepalive time.Duration
	StreamBuffer    int

	Webhook           webhook.Options
	OutboxWorkers     int
	OutboxInterval    time.Duration
	OutboxMaxAttempts int
	// MuteNotifications resolves nobody as interested in card activity.
	MuteNotifications bool

	MaxBodyBytes   int64
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server and the pipeline it fronts.
type App struct {
	Server      *http.Server
	Broadcaster *realtime.Broadcaster
	Relay       *realtime.Relay // nil unless Redis is configured
	Store       store.Store
	Engine      *card.Engine
	Activity    *activity.Recorder
	Outbox      *outbox.Worker
	Home        string

	redis     *redis.Client
	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewApp opens the store, builds the pipeline and registers all routes. Call Start to run
// the background workers.
func NewApp(opts ServerOptions) (*App, error) {
	st := opts.Store
	if st == nil {
		var err error
		if opts.DBDriver == "postgres" {
			st, err = postgres.Open(opts.DBURL)
		} else {
			st, err = store.Open(opts.Home)
		}
		if err != nil {
			return nil, err
		}
	}

	app := &App{Store: st, Home: opts.Home}
	app.Broadcaster = realtime.NewBroadcaster(opts.StreamBuffer)
	var pub realtime.Publisher = app.Broadcaster
	if opts.RedisURL != "" {
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		app.redis = redis.NewClient(ropts)
		app.Relay, err = realtime.NewRelay(app.redis, opts.RedisChannel, app.Broadcaster)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		pub = app.Relay
	}

	app.Activity = &activity.Recorder{Store: st}
	app.Outbox = &outbox.Worker{
		Store:       st,
		Webhooks:    webhook.New(opts.Webhook),
		Notifier:    app.Activity,
		Workers:     opts.OutboxWorkers,
		Interval:    opts.OutboxInterval,
		MaxAttempts: opts.OutboxMaxAttempts,
	}
	var interest activity.InterestResolver = activity.Collaborators{Store: st}
	if opts.MuteNotifications {
		interest = activity.Nobody{}
	}
	app.Engine = &card.Engine{
		Store:     st,
		Publisher: pub,
		Outbox:    app.Outbox,
		Interest:  interest,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.Handle("GET /stream", realtime.Handler(app.Broadcaster, opts.StreamKeepalive))
	app.routes(mux)

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = models.DefaultMaxRequestBodyBytes
	}
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxBody, handler)
	handler = authMiddleware(st, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "dockerclaw")
	}
	app.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return app, nil
}

// Start runs the outbox worker and, when configured, the Redis relay subscriber until ctx is
// cancelled or Close is called.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		if a.Relay != nil {
			if err = a.Relay.Start(ctx); err != nil {
				return
			}
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Outbox.Run(ctx)
		}()
	})
	return err
}

// Close stops background workers and releases the stream registry, the relay and the store.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		if a.Relay != nil {
			_ = a.Relay.Close()
		}
		if a.redis != nil {
			_ = a.redis.Close()
		}
		a.Broadcaster.Close()
		if err := a.Store.Close(); err != nil {
			slog.Warn("store close failed", "err", err)
		}
	})
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, models.ErrorResponse{Error: message})
}

// writeError maps engine errors onto status codes. Internal causes are logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *card.Error
	if !errors.As(err, &ce) {
		ce = &card.Error{Kind: card.KindInternal, Message: "internal error", Err: err}
	}
	if ce.Kind == card.KindInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, ce.Kind.HTTPStatus(), models.ErrorResponse{Error: ce.Message, Details: ce.Details})
}

// decodeJSON reads a JSON body into v, answering 400 on malformed input.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}
