package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. It powers the "config show" command. The application key is
// redacted.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration")

	if r.ConfigPath != "" {
		ew.printf(" (file: %s)", r.ConfigPath)
	}

	ew.printf("\n\n")

	ew.printf("[credentials]\n")
	ew.printf("  account_id      = %q\n", r.AccountID)
	ew.printf("  application_key = %q\n", redact(r.ApplicationKey))

	if r.AuthURL != "" {
		ew.printf("  auth_url        = %q\n", r.AuthURL)
	}

	ew.printf("\n[transfers]\n")
	ew.printf("  upload_workers         = %d\n", r.UploadWorkers)
	ew.printf("  timeout                = %q\n", r.Timeout.String())
	ew.printf("  token_lifetime         = %q\n", r.TokenLifetime.String())
	ew.printf("  download_auth_duration = %q\n", r.DownloadAuthDuration.String())
	ew.printf("  ignore_marker          = %q\n", r.IgnoreMarker)

	ew.printf("\n[logging]\n")
	ew.printf("  log_level = %q\n", r.LogLevel)

	ew.printf("\n[ledger]\n")
	ew.printf("  ledger_path = %q\n", r.LedgerPath)

	return ew.err
}

// redact keeps the last four characters of a secret.
func redact(secret string) string {
	const visible = 4

	if secret == "" {
		return ""
	}

	if len(secret) <= visible {
		return "****"
	}

	return "****" + secret[len(secret)-visible:]
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
