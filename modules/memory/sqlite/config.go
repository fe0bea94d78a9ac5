package sqlite

import (
	"fmt"
	"strings"
)

const (
	defaultBusyTimeout = 5000
	defaultDBFile      = "memory.db"
	defaultSynchronous = "NORMAL"
	defaultCacheSizeKB = 8192
)

// Config holds the SQLite durable-store configuration.
type Config struct {
	// Path is the record database file. Relative paths resolve against the
	// data directory. Defaults to memory.db.
	Path string `yaml:"path"`

	// WAL lets the optimizer's vacuum and backup scans run alongside
	// foreground reads. Defaults to true.
	WAL *bool `yaml:"wal"`

	// BusyTimeout is the milliseconds a write waits on a locked database
	// before giving up. Defaults to 5000.
	BusyTimeout int `yaml:"busy_timeout"`

	// Synchronous is the fsync level for record writes: OFF, NORMAL or FULL.
	// Defaults to NORMAL, which is durable under WAL.
	Synchronous string `yaml:"synchronous"`

	// CacheSizeKB bounds SQLite's page cache. Defaults to 8 MiB.
	CacheSizeKB int `yaml:"cache_size_kb"`
}

func (c *Config) defaults() {
	if c.WAL == nil {
		t := true
		c.WAL = &t
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	if c.Synchronous == "" {
		c.Synchronous = defaultSynchronous
	}
	c.Synchronous = strings.ToUpper(c.Synchronous)
	if c.CacheSizeKB == 0 {
		c.CacheSizeKB = defaultCacheSizeKB
	}
}

func (c *Config) walEnabled() bool {
	return c.WAL == nil || *c.WAL
}

// Validate checks the configuration for values SQLite would reject.
func (c *Config) Validate() error {
	if c.BusyTimeout < 0 {
		return fmt.Errorf("sqlite: busy_timeout must be non-negative, got %d", c.BusyTimeout)
	}
	if c.CacheSizeKB < 0 {
		return fmt.Errorf("sqlite: cache_size_kb must be non-negative, got %d", c.CacheSizeKB)
	}
	switch strings.ToUpper(c.Synchronous) {
	case "", "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("sqlite: synchronous must be OFF, NORMAL or FULL, got %q", c.Synchronous)
	}
	return nil
}
