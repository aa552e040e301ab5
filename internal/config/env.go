package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig         = "B2_GO_CONFIG"
	EnvAccountID      = "B2_ACCOUNT_ID"
	EnvApplicationKey = "B2_APPLICATION_KEY" //nolint:gosec // G101: variable name, not a credential
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath     string // B2_GO_CONFIG: override config file path
	AccountID      string // B2_ACCOUNT_ID
	ApplicationKey string // B2_APPLICATION_KEY
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. Empty variables count as unset.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:     os.Getenv(EnvConfig),
		AccountID:      os.Getenv(EnvAccountID),
		ApplicationKey: os.Getenv(EnvApplicationKey),
	}
}
