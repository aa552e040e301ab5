package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	userAgent  = "b2-go/0.1"
	apiVersion = "/b2api/v1/"

	// downloadRetryMax is the retry budget for idempotent download GETs.
	downloadRetryMax = 4
)

// Client is the B2 API gateway. It issues authenticated JSON calls against
// the Session's API URL and surfaces non-2xx responses as *APIError. It
// never retries API calls; retry is the caller's decision.
type Client struct {
	session      *Session
	httpClient   *http.Client
	downloadHTTP *http.Client
	logger       *slog.Logger

	// timeout bounds each JSON API call whose context has no deadline. For
	// uploads and downloads it bounds connection setup, the wait for response
	// headers and each stretch without body progress, never the whole
	// transfer. Zero means no default.
	timeout time.Duration

	// downloadAuthDuration is the validity of URLs from GetDownloadAuthorization.
	downloadAuthDuration time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for API calls and uploads. An
// injected client keeps its own transport timeouts.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithDownloadHTTPClient replaces the retrying client used for downloads.
func WithDownloadHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.downloadHTTP = c }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// WithTimeout sets the client timeout. For API calls it is a per-call
// deadline, and a deadline already present on the caller's context takes
// precedence. For transfers it is an idle limit.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.timeout = d }
}

// WithDownloadAuthDuration sets how long download authorization URLs stay valid.
func WithDownloadAuthDuration(d time.Duration) ClientOption {
	return func(cl *Client) { cl.downloadAuthDuration = d }
}

// NewClient creates an API client over session.
func NewClient(session *Session, opts ...ClientOption) *Client {
	c := &Client{
		session:              session,
		downloadAuthDuration: defaultDownloadAuthDuration,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = newHTTPClient(c.timeout)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.downloadHTTP == nil {
		c.downloadHTTP = newRetryingClient(c.httpClient, c.logger)
	}

	return c
}

// Session returns the credential cache backing the client.
func (c *Client) Session() *Session {
	return c.session
}

// newRetryingClient wraps base in go-retryablehttp for idempotent GETs.
func newRetryingClient(base *http.Client, logger *slog.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = downloadRetryMax
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = logger

	return rc.StandardClient()
}

// newHTTPClient builds the default client. timeout bounds dialing, the TLS
// handshake and the wait for response headers.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		return http.DefaultClient
	}

	tr := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // stdlib default transport
	tr.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext //nolint:mnd // stdlib default keep-alive
	tr.TLSHandshakeTimeout = timeout
	tr.ResponseHeaderTimeout = timeout

	return &http.Client{Transport: tr}
}

// idleReader cancels a transfer when its body makes no progress for the
// client timeout. Every Read rearms the timer and the first error stops it.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
	tripped atomic.Bool
}

// newIdleReader wraps r and starts the idle timer, which calls cancel when
// it fires. A non-positive timeout disables the timer.
func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() {
			ir.tripped.Store(true)
			cancel()
		})
	}

	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)

	if ir.timer != nil {
		if err != nil {
			ir.timer.Stop()
		} else {
			ir.timer.Reset(ir.timeout)
		}
	}

	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}

// wrap reports a stalled transfer as ErrTimeout and returns other errors
// unchanged.
func (ir *idleReader) wrap(err error) error {
	if ir.tripped.Load() {
		return fmt.Errorf("%w: no progress for %s: %w", ErrTimeout, ir.timeout, err)
	}

	return err
}

// withTimeout applies the client default when ctx carries no deadline.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.timeout)
}

// Call POSTs reqBody as JSON to the named API operation (for example
// "b2_list_buckets") and decodes the 2xx response into respBody. respBody may
// be nil to discard the response.
func (c *Client) Call(ctx context.Context, name string, reqBody, respBody any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	creds, err := c.session.EnsureAuthorized(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("b2: encoding %s request: %w", name, err)
	}

	url := creds.APIURL + apiVersion + name

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("b2: creating %s request: %w", name, err)
	}

	req.Header.Set("Authorization", creds.AuthToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("b2: %s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		errBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		apiErr := newAPIError(resp.StatusCode, errBody)

		c.logger.Warn("api call failed",
			slog.String("op", name),
			slog.Int("status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)

		return apiErr
	}

	c.logger.Debug("api call succeeded",
		slog.String("op", name),
		slog.Int("status", resp.StatusCode),
	)

	if respBody == nil {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("b2: decoding %s response: %w", name, err)
	}

	return nil
}
