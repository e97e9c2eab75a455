package daemon

import "time"

// StartOptions configures the daemon: home, listen port, store, stream relay and workers.
type StartOptions struct {
	Home      string
	Port      int
	Dev       bool
	PprofAddr string
	DBDriver  string // "sqlite" (default) or "postgres"
	DBURL     string // for postgres: connection string (or DATABASE_URL env)

	RedisURL     string // enables the cross-process stream relay
	RedisChannel string

	StreamKeepalive time.Duration
	StreamBuffer    int

	WebhookTimeout time.Duration
	WebhookRate    float64
	WebhookBurst   int

	OutboxWorkers     int
	OutboxInterval    time.Duration
	OutboxMaxAttempts int

	MuteNotifications bool

	EnableOtel bool // enable OpenTelemetry metrics (Prometheus exporter + HTTP/stream/pipeline instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
