// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Config selects the log level and an optional JSON log file.
type Config struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ParseLevel maps a level name to a slog.Level. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Setup returns a logger writing text to stderr and, when cfg.File is set,
// JSON to that file as well. secrets are masked in every record. The
// returned func closes the file.
func Setup(cfg Config, secrets ...string) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	if cfg.File == "" {
		return NewWithWriters(os.Stderr, nil, level, secrets...), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
		return nil, nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		// Keep running on stderr alone.
		logger := NewWithWriters(os.Stderr, nil, level, secrets...)
		logger.Error("failed to open log file, using stderr only", "file", cfg.File, "error", err)
		return logger, func() error { return nil }, nil
	}

	return NewWithWriters(os.Stderr, f, level, secrets...), f.Close, nil
}

// NewWithWriters fans out to a text handler on console and, when file is
// not nil, a JSON handler on file. Records pass through a Redactor loaded
// with secrets first.
func NewWithWriters(console, file io.Writer, level slog.Level, secrets ...string) *slog.Logger {
	sink := slog.Handler(slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}))
	if file != nil {
		sink = slogmulti.Fanout(
			sink,
			slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
		)
	}

	r := NewRedactor()
	for _, s := range secrets {
		r.AddLiteral(s)
	}
	return slog.New(slogmulti.Pipe(Redact(r)).Handler(sink))
}
