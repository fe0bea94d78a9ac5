package config

import (
	"strings"
	"testing"
)

func TestValidate_Default(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "version field is required"},
		{"unsupported version", func(c *Config) { c.Version = "99" }, "unsupported version"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"engine", func(c *Config) { c.Engine.MaxMemoryEntries = -1 }, "max_memory_entries"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
		{"sqlite options", func(c *Config) {
			c.Storage.Backend = BackendSQLite
			c.Storage.SQLite.BusyTimeout = -1
		}, "busy_timeout"},
		{"gcs without bucket", func(c *Config) { c.Backup.Store = BackupGCS }, "backup.bucket"},
		{"unknown backup store", func(c *Config) { c.Backup.Store = "s3" }, "backup.store"},
		{"unknown synthesizer", func(c *Config) { c.Synthesizer.Provider = "openai" }, "synthesizer.provider"},
		{"bad bind", func(c *Config) { c.Gateway.Bind = "localhost" }, "gateway.bind"},
		{"half basic auth", func(c *Config) { c.Gateway.Auth.BasicUser = "admin" }, "basic_pass"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)

			err := Validate(&cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Version = ""
	cfg.Storage.Backend = "nope"

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "version") || !strings.Contains(msg, "storage.backend") {
		t.Errorf("both problems should be reported: %v", err)
	}
}

func TestValidate_GatewayDisabledSkipsBind(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Gateway.Disabled = true
	cfg.Gateway.Bind = "not an address"
	if err := Validate(&cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_AnthropicNeedsKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := Default()
	cfg.Synthesizer.Provider = SynthAnthropic
	if err := Validate(&cfg); err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("error = %v, want missing key", err)
	}

	cfg.Synthesizer.Anthropic.APIKey = "sk-test"
	if err := Validate(&cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
