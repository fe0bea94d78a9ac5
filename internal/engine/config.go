package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/tiermem/internal/memory"
)

// Config holds the engine options.
type Config struct {
	EnablePersistence   bool `yaml:"enable_persistence"`
	EnableOptimization  bool `yaml:"enable_optimization"`
	EnableSummarization bool `yaml:"enable_summarization"`

	MaxMemoryEntries            int     `yaml:"max_memory_entries"`
	OptimizationIntervalSeconds int     `yaml:"optimization_interval_seconds"`
	AutoSummarizeThreshold      int     `yaml:"auto_summarize_threshold"`
	MaxMemorySizeMB             float64 `yaml:"max_memory_size_mb"`
	BackupIntervalHours         int     `yaml:"backup_interval_hours"`

	// OperationTimeout bounds each durable-store call made on behalf of a
	// foreground operation.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// PressureThreshold and CriticalThreshold are fractions of
	// MaxMemorySizeMB. Above the critical one the pressure monitor runs an
	// emergency optimization.
	PressureThreshold float64 `yaml:"pressure_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	Retention memory.RetentionPolicy `yaml:"retention"`
}

// DefaultConfig returns the stock options.
func DefaultConfig() Config {
	return Config{
		EnablePersistence:           true,
		EnableOptimization:          true,
		EnableSummarization:         true,
		MaxMemoryEntries:            1000,
		OptimizationIntervalSeconds: 300,
		AutoSummarizeThreshold:      10,
		MaxMemorySizeMB:             100,
		BackupIntervalHours:         24,
		OperationTimeout:            5 * time.Second,
		PressureThreshold:           0.8,
		CriticalThreshold:           0.95,
		Retention:                   memory.DefaultRetentionPolicy(),
	}
}

// defaults fills zero numeric fields. Boolean switches are left alone:
// start from DefaultConfig to get them enabled.
func (c *Config) defaults() {
	d := DefaultConfig()
	if c.MaxMemoryEntries <= 0 {
		c.MaxMemoryEntries = d.MaxMemoryEntries
	}
	if c.OptimizationIntervalSeconds <= 0 {
		c.OptimizationIntervalSeconds = d.OptimizationIntervalSeconds
	}
	if c.AutoSummarizeThreshold <= 0 {
		c.AutoSummarizeThreshold = d.AutoSummarizeThreshold
	}
	if c.MaxMemorySizeMB <= 0 {
		c.MaxMemorySizeMB = d.MaxMemorySizeMB
	}
	if c.BackupIntervalHours <= 0 {
		c.BackupIntervalHours = d.BackupIntervalHours
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.PressureThreshold <= 0 {
		c.PressureThreshold = d.PressureThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = d.CriticalThreshold
	}
	c.Retention = c.Retention.WithDefaults()
}

// Validate rejects out-of-range options.
func (c Config) Validate() error {
	var errs []error
	if c.MaxMemoryEntries < 0 {
		errs = append(errs, fmt.Errorf("engine: max_memory_entries must be >= 0, got %d", c.MaxMemoryEntries))
	}
	if c.OptimizationIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("engine: optimization_interval_seconds must be >= 0, got %d", c.OptimizationIntervalSeconds))
	}
	if c.AutoSummarizeThreshold < 0 {
		errs = append(errs, fmt.Errorf("engine: auto_summarize_threshold must be >= 0, got %d", c.AutoSummarizeThreshold))
	}
	if c.MaxMemorySizeMB < 0 {
		errs = append(errs, fmt.Errorf("engine: max_memory_size_mb must be >= 0, got %v", c.MaxMemorySizeMB))
	}
	if c.BackupIntervalHours < 0 {
		errs = append(errs, fmt.Errorf("engine: backup_interval_hours must be >= 0, got %d", c.BackupIntervalHours))
	}
	if c.PressureThreshold > 0 && c.CriticalThreshold > 0 && c.CriticalThreshold < c.PressureThreshold {
		errs = append(errs, errors.New("engine: critical_threshold must not be below pressure_threshold"))
	}
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) optimizationInterval() time.Duration {
	return time.Duration(c.OptimizationIntervalSeconds) * time.Second
}

func (c Config) backupInterval() time.Duration {
	return time.Duration(c.BackupIntervalHours) * time.Hour
}
