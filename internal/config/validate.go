package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/flemzord/tiermem/internal/logging"
)

// Validate checks the structural validity of a Config and reports every
// problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("config: data_dir must not be empty"))
	}

	if err := cfg.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validateStorage(cfg)...)
	errs = append(errs, validateBackup(cfg)...)
	errs = append(errs, validateSynthesizer(cfg)...)
	errs = append(errs, validateGateway(cfg)...)

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: logging.level: %w", err))
	}
	if r := cfg.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("config: tracing.sample_rate must be within [0,1], got %v", r))
	}

	return errors.Join(errs...)
}

func validateStorage(cfg *Config) []error {
	switch cfg.Storage.Backend {
	case BackendMemory:
		return nil
	case BackendSQLite:
		if err := cfg.Storage.SQLite.Validate(); err != nil {
			return []error{fmt.Errorf("config: storage.sqlite: %w", err)}
		}
		return nil
	default:
		return []error{fmt.Errorf("config: storage.backend %q is not one of %q, %q",
			cfg.Storage.Backend, BackendMemory, BackendSQLite)}
	}
}

func validateBackup(cfg *Config) []error {
	switch cfg.Backup.Store {
	case BackupNone, BackupFS:
		return nil
	case BackupGCS:
		if cfg.Backup.Bucket == "" {
			return []error{errors.New("config: backup.bucket is required for the gcs store")}
		}
		return nil
	default:
		return []error{fmt.Errorf("config: backup.store %q is not one of %q, %q, %q",
			cfg.Backup.Store, BackupFS, BackupGCS, BackupNone)}
	}
}

func validateSynthesizer(cfg *Config) []error {
	switch cfg.Synthesizer.Provider {
	case SynthExtractive:
		return nil
	case SynthAnthropic:
		if err := cfg.Synthesizer.Anthropic.Validate(); err != nil {
			return []error{fmt.Errorf("config: synthesizer: %w", err)}
		}
		return nil
	default:
		return []error{fmt.Errorf("config: synthesizer.provider %q is not one of %q, %q",
			cfg.Synthesizer.Provider, SynthExtractive, SynthAnthropic)}
	}
}

func validateGateway(cfg *Config) []error {
	g := cfg.Gateway
	if g.Disabled || g.Bind == "" {
		return nil
	}
	var errs []error
	if _, _, err := net.SplitHostPort(g.Bind); err != nil {
		errs = append(errs, fmt.Errorf("config: gateway.bind %q: %w", g.Bind, err))
	}
	if (g.Auth.BasicUser == "") != (g.Auth.BasicPass == "") {
		errs = append(errs, errors.New("config: gateway.auth needs both basic_user and basic_pass"))
	}
	return errs
}
