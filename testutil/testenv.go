// Package testutil provides shared test environment helpers for E2E and
// integration tests. It depends only on stdlib so that E2E tests (which
// cannot import internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the live test suites.
const (
	EnvAccountID      = "B2_ACCOUNT_ID"
	EnvApplicationKey = "B2_APPLICATION_KEY" //nolint:gosec // G101: variable name, not a credential
	EnvTestBucket     = "B2_TEST_BUCKET"
	EnvAllowedBuckets = "B2_ALLOWED_TEST_BUCKETS"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Credentials is the key pair and scratch bucket for live tests.
type Credentials struct {
	AccountID      string
	ApplicationKey string
	Bucket         string
}

// LiveCredentials returns the live test credentials, or ok=false when any
// of them is unset so callers can skip.
func LiveCredentials() (Credentials, bool) {
	c := Credentials{
		AccountID:      os.Getenv(EnvAccountID),
		ApplicationKey: os.Getenv(EnvApplicationKey),
		Bucket:         os.Getenv(EnvTestBucket),
	}

	return c, c.AccountID != "" && c.ApplicationKey != "" && c.Bucket != ""
}

// ValidateAllowlist crashes the process if B2_ALLOWED_TEST_BUCKETS is not
// set or does not name the test bucket. Live tests upload and delete files,
// so they only ever run against a bucket someone listed explicitly.
func ValidateAllowlist(bucket string) {
	allowlist := os.Getenv(EnvAllowedBuckets)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedBuckets)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintf(os.Stderr, "Example: %s=b2-go-scratch\n", EnvAllowedBuckets)
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == bucket {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", EnvTestBucket, bucket, EnvAllowedBuckets, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
