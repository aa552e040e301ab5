// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for b2-go. Values are layered
// defaults -> config file -> environment -> CLI flags; later layers win.
package config

import "time"

// Config is the structure parsed from a TOML file. All keys are flat
// top-level keys; the embedded structs only group them in code.
type Config struct {
	CredentialsConfig
	TransferConfig
	LoggingConfig
	LedgerConfig
}

// CredentialsConfig holds the B2 application key pair.
type CredentialsConfig struct {
	AccountID      string `toml:"account_id"`
	ApplicationKey string `toml:"application_key"`
	AuthURL        string `toml:"auth_url"`
}

// TransferConfig controls the API client and the bulk uploader.
type TransferConfig struct {
	UploadWorkers        int    `toml:"upload_workers"`
	Timeout              string `toml:"timeout"`
	TokenLifetime        string `toml:"token_lifetime"`
	DownloadAuthDuration string `toml:"download_auth_duration"`
	IgnoreMarker         string `toml:"ignore_marker"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// LedgerConfig controls the local upload history database.
type LedgerConfig struct {
	LedgerPath string `toml:"ledger_path"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish
// "not specified" (nil) from an explicit zero value.
type CLIOverrides struct {
	ConfigPath string         // --config flag (empty = use default)
	Timeout    *time.Duration // --timeout flag
	Workers    *int           // --workers flag
}

// Resolved is the effective configuration after all layers are applied,
// with durations parsed and paths expanded.
type Resolved struct {
	ConfigPath string

	AccountID      string
	ApplicationKey string
	AuthURL        string

	UploadWorkers        int
	Timeout              time.Duration
	TokenLifetime        time.Duration
	DownloadAuthDuration time.Duration
	IgnoreMarker         string

	LogLevel   string
	LedgerPath string
}

// HasCredentials reports whether both halves of the key pair are set.
func (r *Resolved) HasCredentials() bool {
	return r.AccountID != "" && r.ApplicationKey != ""
}
