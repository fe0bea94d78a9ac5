package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tiermem.yaml")
	body = strings.ReplaceAll(body, "DATA", filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

const sqliteConfig = `version: "1"
data_dir: DATA
storage:
  backend: sqlite
logging:
  level: error
gateway:
  bind: 127.0.0.1:0
`

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "tiermem dev") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigCheck(t *testing.T) {
	path := writeConfig(t, sqliteConfig)

	out, err := execute(t, "config", "check", path)
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "Configuration OK") || !strings.Contains(out, "sqlite") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigCheck_Invalid(t *testing.T) {
	path := writeConfig(t, "version: \"2\"\n")
	if _, err := execute(t, "config", "check", path); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestBackupListAndStats(t *testing.T) {
	path := writeConfig(t, sqliteConfig)

	out, err := execute(t, "backup", "-c", path)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.HasPrefix(out, "backups/") {
		t.Errorf("backup output = %q, want a handle", out)
	}

	out, err = execute(t, "backup", "--list", "-c", path)
	if err != nil {
		t.Fatalf("backup --list: %v", err)
	}
	if !strings.Contains(out, "backups/") {
		t.Errorf("list output = %q", out)
	}

	out, err = execute(t, "stats", "-c", path)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"working_set"`) {
		t.Errorf("stats output = %q", out)
	}
}

func TestBackup_ConflictingFlags(t *testing.T) {
	path := writeConfig(t, sqliteConfig)
	if _, err := execute(t, "backup", "-c", path, "--since", "1h", "--conversation", "c1"); err == nil {
		t.Error("expected error for --since with --conversation")
	}
}

func TestMigrate(t *testing.T) {
	path := writeConfig(t, sqliteConfig)

	out, err := execute(t, "migrate", "-c", path)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema v2") {
		t.Errorf("output = %q", out)
	}
}
