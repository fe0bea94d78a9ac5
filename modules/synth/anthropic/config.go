package anthropic

import (
	"errors"
	"os"
	"time"
)

// defaultModel is the model used when none is specified.
// Pinned to a dated release for reproducibility.
const defaultModel = "claude-sonnet-4-5-20250929"

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 30 * time.Second
)

// Config holds the YAML-decoded configuration for the Anthropic synthesizer.
type Config struct {
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// defaults fills in zero-value fields.
func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}

// Key resolves the API key: the literal value wins, then the named
// environment variable, then ANTHROPIC_API_KEY.
func (c *Config) Key() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv != "" {
		if v, ok := os.LookupEnv(c.APIKeyEnv); ok {
			return v
		}
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxTokens < 0 {
		errs = append(errs, errors.New("synth.anthropic: max_tokens must not be negative"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("synth.anthropic: timeout must not be negative"))
	}
	if c.Key() == "" {
		errs = append(errs, errors.New("synth.anthropic: no API key (set api_key, api_key_env or ANTHROPIC_API_KEY)"))
	}
	return errors.Join(errs...)
}
