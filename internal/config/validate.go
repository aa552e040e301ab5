package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minUploadWorkers        = 1
	maxUploadWorkers        = 64
	minTimeout              = 1 * time.Second
	minTokenLifetime        = 1 * time.Minute
	maxTokenLifetime        = 24 * time.Hour
	minDownloadAuthDuration = 1 * time.Second
	maxDownloadAuthDuration = 7 * 24 * time.Hour // B2 rejects longer validity
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks all configuration values and returns every error found,
// so users can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateCredentials(&cfg.CredentialsConfig)...)
	errs = append(errs, validateTransfer(&cfg.TransferConfig)...)

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// ValidateResolved checks the final values after env and CLI overrides.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.UploadWorkers < minUploadWorkers || r.UploadWorkers > maxUploadWorkers {
		errs = append(errs, fmt.Errorf("upload_workers: must be between %d and %d, got %d",
			minUploadWorkers, maxUploadWorkers, r.UploadWorkers))
	}

	if r.Timeout < minTimeout {
		errs = append(errs, fmt.Errorf("timeout: must be at least %s, got %s", minTimeout, r.Timeout))
	}

	// Relative paths would resolve differently depending on cwd.
	if r.LedgerPath != "" && !filepath.IsAbs(r.LedgerPath) {
		errs = append(errs, fmt.Errorf("ledger_path: must be absolute after expansion, got %q", r.LedgerPath))
	}

	return errors.Join(errs...)
}

func validateCredentials(c *CredentialsConfig) []error {
	var errs []error

	// A key pair is all or nothing.
	if (c.AccountID == "") != (c.ApplicationKey == "") {
		errs = append(errs, errors.New("account_id and application_key: must be set together"))
	}

	if c.AuthURL != "" {
		u, err := url.Parse(c.AuthURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, fmt.Errorf("auth_url: must be an absolute http(s) URL, got %q", c.AuthURL))
		}
	}

	return errs
}

func validateTransfer(t *TransferConfig) []error {
	var errs []error

	if t.UploadWorkers < minUploadWorkers || t.UploadWorkers > maxUploadWorkers {
		errs = append(errs, fmt.Errorf("upload_workers: must be between %d and %d, got %d",
			minUploadWorkers, maxUploadWorkers, t.UploadWorkers))
	}

	errs = append(errs, validateDuration("timeout", t.Timeout, minTimeout, 0)...)
	errs = append(errs, validateDuration("token_lifetime", t.TokenLifetime, minTokenLifetime, maxTokenLifetime)...)
	errs = append(errs, validateDuration("download_auth_duration", t.DownloadAuthDuration,
		minDownloadAuthDuration, maxDownloadAuthDuration)...)

	if t.IgnoreMarker == "" {
		errs = append(errs, errors.New("ignore_marker: must not be empty"))
	} else if strings.ContainsAny(t.IgnoreMarker, `/\`) {
		errs = append(errs, fmt.Errorf("ignore_marker: must be a file name, got %q", t.IgnoreMarker))
	}

	return errs
}

// validateDuration parses s and checks it against [lo, hi]. hi of 0 means
// no upper bound.
func validateDuration(key, s string, lo, hi time.Duration) []error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", key, s, err)}
	}

	if d < lo {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", key, lo, s)}
	}

	if hi > 0 && d > hi {
		return []error{fmt.Errorf("%s: must be at most %s, got %s", key, hi, s)}
	}

	return nil
}
