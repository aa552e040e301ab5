package b2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultAuthURL is the base URL of the account authorization endpoint.
const DefaultAuthURL = "https://api.backblazeb2.com"

// DefaultTokenLifetime is how long an authorization token is trusted before
// the session re-authorizes. B2 tokens are valid for 24 hours; refreshing
// well before that keeps long bulk uploads clear of the boundary.
const DefaultTokenLifetime = 2 * time.Hour

// authFlightTimeout bounds a coalesced authorize call. The flight is detached
// from any single caller's context so one canceled caller cannot fail the
// others waiting on it.
const authFlightTimeout = 60 * time.Second

const authorizePath = "/b2api/v1/b2_authorize_account"

// authFlightKey is the only singleflight key: there is one credential triple.
const authFlightKey = "authorize"

// Credentials is an immutable snapshot of the authorization triple. The three
// fields are always replaced together.
type Credentials struct {
	AuthToken   string
	APIURL      string
	DownloadURL string
	AccountID   string
}

// authorizeResponse is the JSON shape of b2_authorize_account.
type authorizeResponse struct {
	AccountID          string `json:"accountId"`
	AuthorizationToken string `json:"authorizationToken"`
	APIURL             string `json:"apiUrl"`
	DownloadURL        string `json:"downloadUrl"`
}

// Session owns the account secrets and the current authorization triple.
// It is safe for concurrent use: readers take snapshots, and concurrent
// callers that find the token stale share a single authorize call.
type Session struct {
	accountID string
	appKey    string
	authURL   string
	lifetime  time.Duration

	httpClient *http.Client
	logger     *slog.Logger

	// nowFunc is injectable for deterministic expiry tests.
	nowFunc func() time.Time

	mu           sync.RWMutex
	creds        Credentials
	authorizedAt time.Time

	flight singleflight.Group
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithAuthURL overrides the authorization base URL (tests, alternate realms).
func WithAuthURL(u string) SessionOption {
	return func(s *Session) { s.authURL = u }
}

// WithSessionHTTPClient sets the HTTP client used for authorize calls.
func WithSessionHTTPClient(c *http.Client) SessionOption {
	return func(s *Session) { s.httpClient = c }
}

// WithTokenLifetime sets how long a token is trusted before re-authorizing.
func WithTokenLifetime(d time.Duration) SessionOption {
	return func(s *Session) { s.lifetime = d }
}

// WithSessionLogger sets the session's logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates an unauthorized Session. No network traffic happens
// until the first EnsureAuthorized or Authorize call.
func NewSession(accountID, appKey string, opts ...SessionOption) *Session {
	s := &Session{
		accountID: accountID,
		appKey:    appKey,
		authURL:   DefaultAuthURL,
		lifetime:  DefaultTokenLifetime,
		nowFunc:   time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.httpClient == nil {
		s.httpClient = http.DefaultClient
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// AccountID returns the account ID reported by the last authorization, or
// the ID the session was created with before the first one. Application key
// IDs differ from the owning account's ID.
func (s *Session) AccountID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.creds.AccountID != "" {
		return s.creds.AccountID
	}

	return s.accountID
}

// Credentials returns the current triple and whether it has ever been set.
func (s *Session) Credentials() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.creds, s.creds.AuthToken != ""
}

// freshLocked reports whether the stored token is set and younger than lifetime.
// Caller must hold mu.
func (s *Session) freshLocked() bool {
	if s.creds.AuthToken == "" {
		return false
	}

	return s.nowFunc().Sub(s.authorizedAt) <= s.lifetime
}

// EnsureAuthorized returns valid credentials, re-authorizing first when the
// token is unset or older than the configured lifetime. Concurrent callers
// that observe a stale token coalesce into one authorize call.
func (s *Session) EnsureAuthorized(ctx context.Context) (Credentials, error) {
	s.mu.RLock()
	if s.freshLocked() {
		creds := s.creds
		s.mu.RUnlock()

		return creds, nil
	}
	s.mu.RUnlock()

	ch := s.flight.DoChan(authFlightKey, func() (any, error) {
		// A flight that finished between our check and joining this one has
		// already refreshed the token.
		s.mu.RLock()
		if s.freshLocked() {
			creds := s.creds
			s.mu.RUnlock()

			return creds, nil
		}
		s.mu.RUnlock()

		return s.authorizeDetached(ctx)
	})

	return awaitFlight(ctx, ch)
}

// Authorize performs a b2_authorize_account call and replaces the stored
// triple on success. If a refresh is already in flight, Authorize joins it.
// Canceling ctx abandons the wait but not the flight other callers share.
func (s *Session) Authorize(ctx context.Context) (Credentials, error) {
	ch := s.flight.DoChan(authFlightKey, func() (any, error) {
		return s.authorizeDetached(ctx)
	})

	return awaitFlight(ctx, ch)
}

// authorizeDetached runs authorize free of ctx's cancellation, bounded by
// authFlightTimeout.
func (s *Session) authorizeDetached(ctx context.Context) (Credentials, error) {
	flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), authFlightTimeout)
	defer cancel()

	return s.authorize(flightCtx)
}

// awaitFlight waits for an authorize flight or for ctx, whichever ends first.
func awaitFlight(ctx context.Context, ch <-chan singleflight.Result) (Credentials, error) {
	select {
	case <-ctx.Done():
		return Credentials{}, fmt.Errorf("b2: waiting for authorization: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Credentials{}, res.Err
		}

		creds, _ := res.Val.(Credentials) //nolint:errcheck // flight only returns Credentials

		return creds, nil
	}
}

// authorize does the Basic-auth exchange. Only ever called inside the flight.
func (s *Session) authorize(ctx context.Context) (Credentials, error) {
	s.logger.Info("authorizing account", slog.String("account_id", s.accountID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.authURL+authorizePath, http.NoBody)
	if err != nil {
		return Credentials{}, fmt.Errorf("b2: creating authorize request: %w", err)
	}

	req.SetBasicAuth(s.accountID, s.appKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("b2: authorize request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credentials{}, fmt.Errorf("b2: reading authorize response: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		s.logger.Error("authorization rejected", slog.Int("status", resp.StatusCode))

		return Credentials{}, &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var ar authorizeResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return Credentials{}, fmt.Errorf("b2: decoding authorize response: %w", err)
	}

	if ar.AuthorizationToken == "" || ar.APIURL == "" || ar.DownloadURL == "" {
		return Credentials{}, fmt.Errorf("b2: authorize response missing token or URLs")
	}

	creds := Credentials{
		AuthToken:   ar.AuthorizationToken,
		APIURL:      ar.APIURL,
		DownloadURL: ar.DownloadURL,
		AccountID:   ar.AccountID,
	}

	if creds.AccountID == "" {
		creds.AccountID = s.accountID
	}

	s.mu.Lock()
	s.creds = creds
	s.authorizedAt = s.nowFunc()
	s.mu.Unlock()

	s.logger.Debug("account authorized", slog.String("api_url", creds.APIURL))

	return creds, nil
}
