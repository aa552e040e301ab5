package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is owner read/write only: the file may hold the
// application key.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is the content of a config file created by
// "authorize --save". Every other setting is present as a commented-out
// default. Later saves edit lines in place, so user changes survive.
const configTemplate = `# b2-go configuration

# Upload worker goroutines for bulk uploads
# upload_workers = 12

# Per-request timeout for JSON API calls, and the idle limit for transfers
# timeout = "30s"

# How long an account authorization is reused before refreshing
# token_lifetime = "2h"

# Validity of URLs created by "share"
# download_auth_duration = "24h"

# Per-directory ignore file consulted by bulk uploads
# ignore_marker = ".b2ignore"

# Log verbosity: debug, info, warn, error
# log_level = "info"

# Upload history database (default: platform data directory)
# ledger_path = ""
`

// SaveCredentials stores the key pair in the config file at path, creating
// the file from the template if it does not exist. Existing account_id and
// application_key lines are replaced; everything else is left untouched.
func SaveCredentials(path, accountID, appKey string) error {
	slog.Info("saving credentials to config",
		slog.String("path", path),
		slog.String("account_id", accountID),
	)

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading config file: %w", err)
	}

	content := string(data)
	if errors.Is(err, os.ErrNotExist) {
		content = configTemplate
	}

	lines := strings.Split(content, "\n")
	lines = setTopLevelKey(lines, "account_id", accountID)
	lines = setTopLevelKey(lines, "application_key", appKey)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// setTopLevelKey replaces key's line if it appears before the first table
// header, or inserts it after the leading comment block otherwise.
func setTopLevelKey(lines []string, key, value string) []string {
	newLine := fmt.Sprintf("%s = %q", key, value)

	end := len(lines)

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "[") {
			end = i
			break
		}
	}

	for i := range end {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, key+" ") || strings.HasPrefix(trimmed, key+"=") {
			lines[i] = newLine
			return lines
		}
	}

	// Insert after the header comment and its trailing blank line.
	at := 0
	for at < end && strings.HasPrefix(strings.TrimSpace(lines[at]), "#") {
		at++
	}

	for at < end && strings.TrimSpace(lines[at]) == "" {
		at++
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, newLine)
	out = append(out, lines[at:]...)

	return out
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over path. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
