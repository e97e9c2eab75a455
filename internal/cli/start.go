package cli

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/ddikddak/dockerclaw-sub000/internal/config"
	"github.com/ddikddak/dockerclaw-sub000/internal/daemon"
	"github.com/spf13/cobra"
)

// startFlags are shared by `start` and the hidden `daemon` command. Flags win over
// <home>/config.yaml, which wins over defaults.
type startFlags struct {
	port       int
	dev        bool
	pprofAddr  string
	dbDriver   string
	dbURL      string
	redisURL   string
	enableOtel bool
}

func (f *startFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.port, "port", config.DefaultPort, "Port for the HTTP API")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "Enable dev mode (permissive CORS)")
	cmd.Flags().StringVar(&f.pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&f.dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&f.dbURL, "db-url", "", "DB connection string (for postgres; or set DATABASE_URL)")
	cmd.Flags().StringVar(&f.redisURL, "redis-url", "", "Redis URL for the cross-process stream relay (or set DOCKERCLAW_REDIS_URL)")
	cmd.Flags().BoolVar(&f.enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/stream/pipeline instrumentation)")
}

// options merges config.yaml, the environment and explicitly set flags.
func (f *startFlags) options(cmd *cobra.Command, home string) (daemon.StartOptions, error) {
	c, err := config.Load(home)
	if err != nil {
		return daemon.StartOptions{}, err
	}
	changed := cmd.Flags().Changed
	if changed("port") {
		c.Port = f.port
	}
	if changed("dev") {
		c.Dev = f.dev
	}
	if changed("pprof") {
		c.PprofAddr = f.pprofAddr
	}
	if changed("db-driver") {
		c.Database.Driver = f.dbDriver
	}
	if changed("db-url") {
		c.Database.URL = f.dbURL
	}
	if changed("redis-url") {
		c.Redis.URL = f.redisURL
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return daemon.StartOptions{}, fmt.Errorf("postgres driver needs --db-url or %s", config.EnvDatabaseURL)
	}
	return daemon.StartOptions{
		Home:              home,
		Port:              c.Port,
		Dev:               c.Dev,
		PprofAddr:         c.PprofAddr,
		DBDriver:          c.Database.Driver,
		DBURL:             c.Database.URL,
		RedisURL:          c.Redis.URL,
		RedisChannel:      c.Redis.Channel,
		StreamKeepalive:   c.Stream.Keepalive,
		StreamBuffer:      c.Stream.Buffer,
		WebhookTimeout:    c.Webhook.Timeout,
		WebhookRate:       c.Webhook.Rate,
		WebhookBurst:      c.Webhook.Burst,
		OutboxWorkers:     c.Outbox.Workers,
		OutboxInterval:    c.Outbox.Interval,
		OutboxMaxAttempts: c.Outbox.MaxAttempts,
		MuteNotifications: c.Notifications.Mute,
		EnableOtel:        f.enableOtel,
	}, nil
}

func newStartCmd() *cobra.Command {
	var (
		flags      startFlags
		foreground bool
		envFile    string
		open       bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the DockerClaw server (HTTP API + live stream + outbox workers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())
			opts, err := flags.options(cmd, home)
			if err != nil {
				return err
			}

			base := (&url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", opts.Port)}).String()

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting DockerClaw in foreground on %s\n", base)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "DockerClaw started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: %s\n", base)

			if open {
				// Best-effort (Linux: xdg-open, macOS: open, Windows: start).
				_ = openBrowser(base + "/health")
			}
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	cmd.Flags().BoolVar(&open, "open", false, "Open the health endpoint in a browser after starting")

	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}

func openBrowser(u string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", u).Start()
	case "windows":
		return exec.Command("cmd", "/c", "start", u).Start()
	default:
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return err
		}
		return exec.Command("xdg-open", u).Start()
	}
}
