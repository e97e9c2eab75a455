package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/config"
	"github.com/ddikddak/dockerclaw-sub000/internal/httpapi"
	"github.com/ddikddak/dockerclaw-sub000/internal/otel"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/internal/webhook"
)

var errNotRunning = errors.New("dockerclaw is not running")

func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		opts.Port = config.DefaultPort
	}

	// Ensure dirs exist.
	if err := os.MkdirAll(runDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Acquire singleton lock (released on exit).
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	// Optional pprof.
	startPprof(ctx, opts.PprofAddr)

	// Ensure DB schema exists before serving (SQLite only; Postgres migrates on connect).
	if opts.DBDriver != "postgres" {
		if err := store.EnsureSchema(opts.Home); err != nil {
			return err
		}
	}

	// Write PID + addr files.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	// Early port check for clearer error.
	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	srvOpts := serverOptions(opts, addr)
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "dockerclaw")
		if err != nil {
			slog.Warn("otel init failed, using default prometheus registry", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
		}
	}
	app, err := httpapi.NewApp(srvOpts)
	if err != nil {
		return err
	}
	defer app.Close()
	if opts.EnableOtel {
		if err := otel.InitMetricsWithStats(ctx, storeStats(app.Store)); err != nil {
			slog.Warn("otel metrics init failed", "err", err)
		}
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	slog.Info("daemon starting", "addr", addr, "home", opts.Home, "db", dbDriverName(opts.DBDriver), "relay", opts.RedisURL != "")
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		// Close streams first so Shutdown does not wait on them.
		app.Broadcaster.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func serverOptions(opts StartOptions, addr string) httpapi.ServerOptions {
	return httpapi.ServerOptions{
		Home:            opts.Home,
		Addr:            addr,
		Dev:             opts.Dev,
		DBDriver:        opts.DBDriver,
		DBURL:           opts.DBURL,
		RedisURL:        opts.RedisURL,
		RedisChannel:    opts.RedisChannel,
		StreamKeepalive: opts.StreamKeepalive,
		StreamBuffer:    opts.StreamBuffer,
		Webhook: webhook.Options{
			Timeout: opts.WebhookTimeout,
			Rate:    opts.WebhookRate,
			Burst:   opts.WebhookBurst,
		},
		OutboxWorkers:     opts.OutboxWorkers,
		OutboxInterval:    opts.OutboxInterval,
		OutboxMaxAttempts: opts.OutboxMaxAttempts,
		MuteNotifications: opts.MuteNotifications,
	}
}

// storeStats feeds the card and outbox gauges.
func storeStats(st store.Store) otel.StatsFunc {
	return func(ctx context.Context) (map[string]int64, int64, error) {
		byStatus, err := st.CountCardsByStatus(ctx)
		if err != nil {
			return nil, 0, err
		}
		pending, err := st.CountPendingEffects(ctx)
		if err != nil {
			return nil, 0, err
		}
		return byStatus, pending, nil
	}
}

func dbDriverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	// Ensure dirs exist before starting.
	if err := os.MkdirAll(runDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("dockerclaw already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(runDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := daemonArgs(opts)

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for pid file to appear or process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		// On unix FindProcess always succeeds; keep this for completeness.
		return false, errNotRunning
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}

// daemonArgs rebuilds the flags of the hidden daemon command from opts.
func daemonArgs(opts StartOptions) []string {
	args := []string{
		"daemon",
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
		"--db-driver", dbDriverName(opts.DBDriver),
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	if opts.DBURL != "" {
		args = append(args, "--db-url", opts.DBURL)
	}
	if opts.RedisURL != "" {
		args = append(args, "--redis-url", opts.RedisURL)
	}
	if !opts.EnableOtel {
		args = append(args, "--otel=false")
	}
	return args
}
