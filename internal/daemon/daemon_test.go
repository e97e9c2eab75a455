package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func TestStatus_notRunning(t *testing.T) {
	home := t.TempDir()
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatalf("expected not running, got %+v", st)
	}
}

func TestStatus_stalePidFileIsRemoved(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(runDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// Max pid on linux is far below this.
	if err := os.WriteFile(pidPath(home), []byte("99999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, _ := Status(context.Background(), home)
	if st.Running {
		t.Fatal("stale pid reported as running")
	}
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err=%v", err)
	}
}

func TestStop_notRunning(t *testing.T) {
	stopped, err := Stop(context.Background(), t.TempDir())
	if err != nil || stopped {
		t.Fatalf("Stop on idle home: stopped=%v err=%v", stopped, err)
	}
}

func TestDaemonArgs(t *testing.T) {
	args := daemonArgs(StartOptions{
		Home: "/h", Port: 4000, Dev: true, DBDriver: "postgres", DBURL: "postgres://x",
		RedisURL: "redis://localhost:6379/0", EnableOtel: false,
	})
	for _, want := range []string{"daemon", "--home", "/h", "--port", "4000", "--db-driver", "postgres", "--dev", "--db-url", "postgres://x", "--redis-url", "--otel=false"} {
		if !slices.Contains(args, want) {
			t.Errorf("daemonArgs missing %q: %v", want, args)
		}
	}
	minimal := daemonArgs(StartOptions{Home: "/h", Port: 1, EnableOtel: true})
	if slices.Contains(minimal, "--dev") || slices.Contains(minimal, "--otel=false") || slices.Contains(minimal, "--redis-url") {
		t.Errorf("unexpected flags: %v", minimal)
	}
	if i := slices.Index(minimal, "--db-driver"); i < 0 || minimal[i+1] != "sqlite" {
		t.Errorf("driver should default to sqlite: %v", minimal)
	}
}

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	now := time.Now().UTC()
	if err := st.CreateAgent(ctx, store.Agent{AgentID: "a1", Name: "bot", Email: "bot@example.com", APIKey: "dc_x", CreatedAt: now}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	for i, status := range []string{store.StatusPending, store.StatusPending, store.StatusApproved} {
		c := store.Card{CardID: fmt.Sprintf("c%d", i), TemplateID: "t", AgentID: "a1", Data: map[string]any{}, Status: status, Version: 1, CreatedAt: now, UpdatedAt: now}
		if err := st.CreateCard(ctx, c, store.Provenance{}); err != nil {
			t.Fatalf("CreateCard: %v", err)
		}
	}

	byStatus, pending, err := storeStats(st)(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if byStatus[store.StatusPending] != 2 || byStatus[store.StatusApproved] != 1 {
		t.Errorf("by status: %v", byStatus)
	}
	if pending != 0 {
		t.Errorf("pending effects: %d", pending)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartForeground_servesUntilCancelled(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- StartForeground(ctx, StartOptions{Home: home, Port: port, OutboxInterval: 50 * time.Millisecond})
	}()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	deadline := time.Now().Add(5 * time.Second)
	healthy := false
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				healthy = true
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	if !healthy {
		cancel()
		t.Fatalf("daemon never became healthy: %v", <-errCh)
	}

	st, _ := Status(context.Background(), home)
	if !st.Running || st.PID != os.Getpid() {
		t.Errorf("status while running: %+v", st)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("StartForeground returned %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Errorf("pid file left behind: %v", err)
	}
}

func TestStartPprof_servesUntilCancelled(t *testing.T) {
	addr := "127.0.0.1:" + strconv.Itoa(freePort(t))
	ctx, cancel := context.WithCancel(context.Background())
	startPprof(ctx, addr)

	url := "http://" + addr + "/debug/pprof/cmdline"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("pprof status %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pprof never came up: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
	}

	cancel()
	deadline = time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err != nil {
			break
		}
		_ = resp.Body.Close()
		if time.Now().After(deadline) {
			t.Fatal("pprof still serving after cancel")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestPprofMux_index(t *testing.T) {
	rec := httptest.NewRecorder()
	pprofMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof index: %d", rec.Code)
	}
}
