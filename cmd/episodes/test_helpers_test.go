package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/daemon"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/store"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	server     *httptest.Server
	configPath string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	configPath := filepath.Join(testsupport.BaseDir(cfg), "episodes.toml")
	writeTestConfig(t, configPath, cfg)

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	d, err := daemon.New(cfg, st, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	srv := httptest.NewServer(d.Handler())

	t.Cleanup(func() {
		srv.Close()
		_ = d.Close()
	})

	return &cliTestEnv{cfg: cfg, daemon: d, server: srv, configPath: configPath}
}

// run executes the CLI as actor against the test daemon.
func (e *cliTestEnv) run(t *testing.T, actor string, args ...string) (string, error) {
	t.Helper()
	flags := []string{"--server", e.server.URL, "--config", e.configPath, "--actor", actor}
	return runCLI(t, append(flags, args...))
}

// runJSON executes the CLI with --json and decodes stdout into out.
func (e *cliTestEnv) runJSON(t *testing.T, actor string, out any, args ...string) {
	t.Helper()
	stdout, err := e.run(t, actor, append([]string{"--json"}, args...)...)
	if err != nil {
		t.Fatalf("episodes %s: %v", strings.Join(args, " "), err)
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
}

func runCLI(t *testing.T, args []string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func requireErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error %q to contain %q", err.Error(), substr)
	}
}
