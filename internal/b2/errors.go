// Package b2 provides a client for the Backblaze B2 native API: account
// authorization with a shared, auto-refreshing credential cache, bucket and
// file management, upload sessions, single-file uploads, and downloads.
package b2

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, b2.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("b2: bad request")
	ErrUnauthorized = errors.New("b2: unauthorized")
	ErrForbidden    = errors.New("b2: forbidden")
	ErrNotFound     = errors.New("b2: not found")
	ErrTimeout      = errors.New("b2: request timeout")
	ErrConflict     = errors.New("b2: conflict")
	ErrThrottled    = errors.New("b2: too many requests")
	ErrServerError  = errors.New("b2: server error")
)

// Sentinel errors for local validation and lookups.
var (
	ErrInvalidArgument   = errors.New("b2: invalid argument")
	ErrBucketNotFound    = errors.New("b2: bucket not found")
	ErrFileNotFound      = errors.New("b2: file not found")
	ErrDestinationExists = errors.New("b2: destination exists")
	ErrChecksumMismatch  = errors.New("b2: checksum mismatch")
)

// AuthError is returned when b2_authorize_account rejects the account
// credentials. Body is the raw response body for diagnostics.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("b2: authorization failed: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *AuthError) Unwrap() error {
	return classifyStatus(e.StatusCode)
}

// APIError wraps a non-2xx response from a JSON API call. Code and Message
// are decoded from the B2 error envelope when present; Body is always the
// unmodified response body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("b2: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("b2: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// UploadError wraps a non-2xx response from an upload URL.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("b2: upload failed: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *UploadError) Unwrap() error {
	return classifyStatus(e.StatusCode)
}

// FilesystemError reports a local file problem: a missing or unreadable
// source, or a download destination that already exists.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("b2: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// errorEnvelope is the JSON body B2 returns with every non-2xx API response.
type errorEnvelope struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newAPIError builds an APIError from a status code and raw body. The
// envelope decode is best-effort; Body is kept verbatim either way.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Body:       string(body),
		Err:        classifyStatus(status),
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Code
		apiErr.Message = env.Message
	}

	return apiErr
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout:
		return ErrTimeout
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isSuccess reports whether code is a 2xx status.
func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}
