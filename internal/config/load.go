package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal and come with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.AccountID != "" {
		cfg.AccountID = env.AccountID
	}

	if env.ApplicationKey != "" {
		cfg.ApplicationKey = env.ApplicationKey
	}

	r, err := resolve(cfg, cfgPath)
	if err != nil {
		return nil, err
	}

	if cli.Timeout != nil {
		r.Timeout = *cli.Timeout
	}

	if cli.Workers != nil {
		r.UploadWorkers = *cli.Workers
	}

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

// resolve converts a validated Config into a Resolved. Durations were
// checked by Validate, so parse errors here mean Validate was skipped.
func resolve(cfg *Config, cfgPath string) (*Resolved, error) {
	r := &Resolved{
		ConfigPath:     cfgPath,
		AccountID:      cfg.AccountID,
		ApplicationKey: cfg.ApplicationKey,
		AuthURL:        cfg.AuthURL,
		UploadWorkers:  cfg.UploadWorkers,
		IgnoreMarker:   cfg.IgnoreMarker,
		LogLevel:       cfg.LogLevel,
		LedgerPath:     expandTilde(cfg.LedgerPath),
	}

	if r.LedgerPath == "" {
		r.LedgerPath = DefaultLedgerPath()
	}

	var errs []error

	r.Timeout, errs = parseDurationInto(errs, "timeout", cfg.Timeout)
	r.TokenLifetime, errs = parseDurationInto(errs, "token_lifetime", cfg.TokenLifetime)
	r.DownloadAuthDuration, errs = parseDurationInto(errs, "download_auth_duration", cfg.DownloadAuthDuration)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return r, nil
}

func parseDurationInto(errs []error, key, value string) (time.Duration, []error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s: %w", key, err))
	}

	return d, errs
}
