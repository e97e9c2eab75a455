package cli

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/ddikddak/dockerclaw-sub000/internal/config"
	"github.com/ddikddak/dockerclaw-sub000/internal/httpapi"
	"github.com/spf13/cobra"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "doctor", "agent", "card", "daemon"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	f := root.PersistentFlags().Lookup("home")
	if f == nil {
		t.Fatal("expected --home persistent flag")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String() + errOut.String(), err
}

var keyLine = regexp.MustCompile(`(?m)^  (dc_[a-f0-9]{64})$`)

func TestAgentRegister(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	home := filepath.Join(t.TempDir(), "home")
	envFile := filepath.Join(t.TempDir(), ".env")

	out, err := run(t, "--home", home, "agent", "register", "--name", "bot", "--email", "Bot@Example.com", "--env", envFile)
	if err != nil {
		t.Fatalf("agent register: %v\n%s", err, out)
	}
	m := keyLine.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("output should contain the API key on its own line; got:\n%s", out)
	}
	b, err := os.ReadFile(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(b)) != EnvAPIKey+"="+m[1] {
		t.Errorf("env file: %q", b)
	}

	if _, err := run(t, "--home", home, "agent", "register", "--name", "bot2", "--email", "bot@example.com"); err == nil {
		t.Error("duplicate email should fail")
	}
	if _, err := run(t, "--home", home, "agent", "register", "--name", "x", "--email", "not-an-email"); err == nil {
		t.Error("invalid email should fail")
	}
}

func TestAgentShow(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	home := filepath.Join(t.TempDir(), "home")
	out, err := run(t, "--home", home, "agent", "register", "--name", "bot", "--email", "bot@example.com", "--webhook-url", "https://example.com/hook")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id := regexp.MustCompile(`\(id ([^)]+)\)`).FindStringSubmatch(out)
	if id == nil {
		t.Fatalf("no id in output:\n%s", out)
	}
	out, err = run(t, "--home", home, "agent", "show", id[1])
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "bot <bot@example.com>") || !strings.Contains(out, "webhook=https://example.com/hook") {
		t.Errorf("show output: %s", out)
	}
	if _, err := run(t, "--home", home, "agent", "show", "missing"); err == nil {
		t.Error("unknown agent should fail")
	}
}

func TestDoctor(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv(config.EnvRedisURL, "")
	out, err := run(t, "--home", filepath.Join(t.TempDir(), "home"), "doctor")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	if !strings.Contains(out, "store: ok") {
		t.Errorf("doctor output: %s", out)
	}
}

func TestStartFlags_precedence(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv(config.EnvRedisURL, "")
	home := t.TempDir()
	cfg := "port: 4100\nwebhook:\n  timeout: 3s\noutbox:\n  workers: 2\n"
	if err := os.WriteFile(filepath.Join(home, config.FileName), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	var f startFlags
	cmd := &cobra.Command{Use: "x"}
	f.bind(cmd)
	opts, err := f.options(cmd, home)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Port != 4100 || opts.OutboxWorkers != 2 || opts.WebhookTimeout.Seconds() != 3 || opts.DBDriver != "sqlite" {
		t.Errorf("from file: %+v", opts)
	}

	if err := cmd.Flags().Set("port", "4200"); err != nil {
		t.Fatal(err)
	}
	opts, _ = f.options(cmd, home)
	if opts.Port != 4200 {
		t.Errorf("flag should win: port=%d", opts.Port)
	}

	_ = cmd.Flags().Set("db-driver", "postgres")
	if _, err := f.options(cmd, home); err == nil {
		t.Error("postgres without a URL should fail")
	}
}

func TestCardCommandsAgainstServer(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv(EnvAPIKey, "")
	home := filepath.Join(t.TempDir(), "home")
	out, err := run(t, "--home", home, "agent", "register", "--name", "bot", "--email", "bot@example.com")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	key := keyLine.FindStringSubmatch(out)[1]

	app, err := httpapi.NewApp(httpapi.ServerOptions{Home: home, Addr: ":0"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	defer func() {
		app.Broadcaster.Close()
		ts.Close()
		app.Close()
	}()

	if _, err := run(t, "card", "list", "--server", ts.URL); err == nil {
		t.Error("missing api key should fail")
	}

	out, err = run(t, "card", "create", "--server", ts.URL, "--api-key", key, "--template", "review", "--data", `{"title":"Ship it"}`)
	if err != nil {
		t.Fatalf("create: %v\n%s", err, out)
	}
	id := regexp.MustCompile(`Created card (\S+)`).FindStringSubmatch(out)
	if id == nil {
		t.Fatalf("create output: %s", out)
	}

	t.Setenv(EnvAPIKey, key)
	out, err = run(t, "card", "act", id[1], "move", "--server", ts.URL, "--column", "in_progress")
	if err != nil {
		t.Fatalf("act: %v\n%s", err, out)
	}
	if !strings.Contains(out, "status=in_progress version=2") {
		t.Errorf("act output: %s", out)
	}

	out, err = run(t, "card", "list", "--server", ts.URL)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id[1]) || !strings.Contains(out, "in_progress") {
		t.Errorf("list output: %s", out)
	}

	out, err = run(t, "card", "comment", id[1], "looks good", "--server", ts.URL, "--as-human", "u1", "--human-name", "Ada")
	if err != nil || !strings.Contains(out, "by Ada") {
		t.Errorf("comment: %v %s", err, out)
	}
	out, err = run(t, "card", "react", id[1], "👀", "--server", ts.URL)
	if err != nil || !strings.Contains(out, "added") {
		t.Errorf("react: %v %s", err, out)
	}
	if _, err := run(t, "card", "act", id[1], "move", "--server", ts.URL, "--column", "nowhere"); err == nil {
		t.Error("invalid column should fail")
	}
}
