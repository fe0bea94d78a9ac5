// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for tiermem.
package config

import (
	"path/filepath"

	"github.com/flemzord/tiermem/internal/engine"
	"github.com/flemzord/tiermem/internal/gateway"
	"github.com/flemzord/tiermem/internal/logging"
	"github.com/flemzord/tiermem/internal/telemetry"
	"github.com/flemzord/tiermem/modules/memory/sqlite"
	"github.com/flemzord/tiermem/modules/synth/anthropic"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Backup stores.
const (
	BackupNone = "none"
	BackupFS   = "fs"
	BackupGCS  = "gcs"
)

// Synthesizer providers.
const (
	SynthExtractive = "extractive"
	SynthAnthropic  = "anthropic"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// DataDir holds the SQLite database and filesystem backups unless their
	// paths are set explicitly.
	DataDir string `yaml:"data_dir"`

	Engine      engine.Config           `yaml:"engine"`
	Storage     StorageConfig           `yaml:"storage"`
	Backup      BackupConfig            `yaml:"backup"`
	Synthesizer SynthesizerConfig       `yaml:"synthesizer"`
	Gateway     gateway.Config          `yaml:"gateway"`
	Logging     logging.Config          `yaml:"logging"`
	Tracing     telemetry.TracingConfig `yaml:"tracing"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string        `yaml:"backend"`
	SQLite  sqlite.Config `yaml:"sqlite"`
}

// BackupConfig selects where backup archives are written.
type BackupConfig struct {
	// Store is "fs", "gcs" or "none".
	Store string `yaml:"store"`

	// Dir is the fs store root. Defaults to {DataDir}/backups.
	Dir string `yaml:"dir"`

	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// SynthesizerConfig selects the summarization capability.
type SynthesizerConfig struct {
	// Provider is "extractive" or "anthropic".
	Provider  string           `yaml:"provider"`
	Anthropic anthropic.Config `yaml:"anthropic"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Version: "1",
		DataDir: "data",
		Engine:  engine.DefaultConfig(),
		Storage: StorageConfig{Backend: BackendMemory},
		Backup:  BackupConfig{Store: BackupFS},
		Synthesizer: SynthesizerConfig{
			Provider: SynthExtractive,
		},
		Logging: logging.Config{Level: "info"},
	}
}

// BackupDir returns the filesystem backup root.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return filepath.Join(c.DataDir, "backups")
}
