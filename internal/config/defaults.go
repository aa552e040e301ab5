package config

// Default values for configuration options. These are layer 0 of the
// override chain.
const (
	defaultUploadWorkers        = 12
	defaultTimeout              = "30s"
	defaultTokenLifetime        = "2h"
	defaultDownloadAuthDuration = "24h"
	defaultIgnoreMarker         = ".b2ignore"
	defaultLogLevel             = "info"
	defaultLedgerFile           = "history.db"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset keys keep their defaults.
// Credentials, auth_url and ledger_path have no static default.
func DefaultConfig() *Config {
	return &Config{
		TransferConfig: TransferConfig{
			UploadWorkers:        defaultUploadWorkers,
			Timeout:              defaultTimeout,
			TokenLifetime:        defaultTokenLifetime,
			DownloadAuthDuration: defaultDownloadAuthDuration,
			IgnoreMarker:         defaultIgnoreMarker,
		},
		LoggingConfig: LoggingConfig{
			LogLevel: defaultLogLevel,
		},
	}
}
