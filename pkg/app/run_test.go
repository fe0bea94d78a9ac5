package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/flemzord/tiermem/internal/blob"
	"github.com/flemzord/tiermem/internal/config"
	"github.com/flemzord/tiermem/internal/engine"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Bind = "127.0.0.1:0"
	return &cfg
}

func TestResolveConfigPath_XDGConfigHome(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "tiermem")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfgPath := filepath.Join(cfgDir, "tiermem.yaml")
	if err := os.WriteFile(cfgPath, []byte("version: \"1\""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := ResolveConfigPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != cfgPath {
		t.Errorf("got %q, want %q", got, cfgPath)
	}
}

func TestResolveConfigPath_NotFound(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/nonexistent/path")
	t.Chdir(t.TempDir())

	if _, err := ResolveConfigPath(); err == nil {
		t.Error("expected error when no config file found")
	}
}

func TestDefaultDataDir_XDGDataHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got, want := DefaultDataDir(), "/custom/data/tiermem"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDefaultDataDir_Fallback(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	_ = os.Unsetenv("XDG_DATA_HOME")

	home, _ := os.UserHomeDir()
	if got, want := DefaultDataDir(), filepath.Join(home, ".local", "share", "tiermem"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tiermem.yaml")
	if err := os.WriteFile(path, []byte("version: \"1\"\nlogging:\n  level: warn\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(RunParams{ConfigPath: path, DataDir: "/srv/tiermem", LogLevel: "debug"})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataDir != "/srv/tiermem" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/nonexistent/path")
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig(RunParams{})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataDir != "/custom/data/tiermem" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Storage.Backend != config.BackendMemory {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfig(RunParams{ConfigPath: "/nonexistent/config.yaml"}); err == nil {
		t.Error("expected error for invalid config path")
	}

	path := filepath.Join(t.TempDir(), "tiermem.yaml")
	if err := os.WriteFile(path, []byte("version: \"1\"\nstorage:\n  backend: tape\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(RunParams{ConfigPath: path}); err == nil {
		t.Error("expected validation error for unknown backend")
	}
}

func TestAssemble_OneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)

	st, err := Assemble(cfg, Options{OneShot: true, Logger: quiet()})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer func() { _ = st.Close() }()

	if st.Gateway != nil {
		t.Error("one-shot stack should not carry a gateway")
	}
	if err := st.App.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := st.Engine.StoreMemory(ctx, "c1", "", "remember the milk", nil); err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	st.App.Stop()

	fs, err := blob.NewFS(cfg.BackupDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	keys, err := fs.List(ctx, "backups/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("backups after stop = %v, want the final backup", keys)
	}
}

func TestAssemble_SQLiteSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Backup.Store = config.BackupNone

	st, err := Assemble(cfg, Options{OneShot: true, Logger: quiet()})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if err := st.App.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := st.Engine.StoreMemory(ctx, "c1", "", "the cluster runs in eu-west", nil); err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	st.App.Stop()

	st, err = Assemble(cfg, Options{OneShot: true, Logger: quiet()})
	if err != nil {
		t.Fatalf("second Assemble: %v", err)
	}
	if err := st.App.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer st.App.Stop()

	res, err := st.Engine.RetrieveMemory(ctx, "c1", "cluster", nil)
	if err != nil {
		t.Fatalf("RetrieveMemory: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Source != engine.SourceDurable {
		t.Errorf("items = %+v, want one durable item", res.Items)
	}
}

func TestAssemble_ServesGateway(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	st, err := Assemble(cfg, Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if st.Gateway == nil {
		t.Fatal("expected a gateway")
	}
	if err := st.App.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.App.Stop()

	resp, err := http.Get("http://" + st.Gateway.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestAssemble_GatewayDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Gateway.Disabled = true

	st, err := Assemble(cfg, Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer st.App.Unload()
	if st.Gateway != nil {
		t.Error("gateway should not be assembled when disabled")
	}
	if _, ok := st.App.Module("gateway.http"); ok {
		t.Error("gateway module loaded")
	}
}

func TestOpenBlobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Backup.Store = config.BackupNone
	if s, err := openBlobs(ctx, cfg); err != nil || s != nil {
		t.Errorf("none: store = %v, err = %v", s, err)
	}

	cfg.Backup.Store = config.BackupGCS
	if _, err := openBlobs(ctx, cfg); err == nil {
		t.Error("gcs without bucket: expected error")
	}

	cfg.Backup.Store = "floppy"
	if _, err := openBlobs(ctx, cfg); err == nil {
		t.Error("unknown store: expected error")
	}
}
