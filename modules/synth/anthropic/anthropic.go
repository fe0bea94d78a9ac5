// Package anthropic implements memory.Synthesizer over the Anthropic
// Messages API. Narratives and outlines are produced by the model; the
// engine falls back to the extractive synthesizer when a call fails.
package anthropic

import (
	"log/slog"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flemzord/tiermem/internal/memory"
)

var _ memory.Synthesizer = (*Synth)(nil)

// Synth is an LLM-backed memory.Synthesizer. It is safe for concurrent use.
type Synth struct {
	config Config
	client *sdkanthropic.Client
	logger *slog.Logger
}

// New builds a synthesizer from cfg. Extra request options are appended
// after the ones derived from cfg.
func New(cfg Config, logger *slog.Logger, extra ...option.RequestOption) *Synth {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.RequestOption
	if key := cfg.Key(); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// The synthesis layer has its own fallback; a slow retry loop would only
	// delay it.
	opts = append(opts,
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	)
	opts = append(opts, extra...)

	client := sdkanthropic.NewClient(opts...)
	return &Synth{
		config: cfg,
		client: &client,
		logger: logger.With("component", "synth.anthropic"),
	}
}

// Model returns the configured model name.
func (s *Synth) Model() string { return s.config.Model }
