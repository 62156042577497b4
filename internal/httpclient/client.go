// Package httpclient provides the HTTP session used to reach the capture
// daemon over its Unix domain socket.
//
// The client wraps the standard http.Client and adds:
//   - Unix socket dialing regardless of the request URL host
//   - A connect timeout and a per-read socket timeout instead of an overall
//     request timeout, so long-running streams are not cut off
//   - A fixed User-Agent header
//   - Rejection of any status other than 200 OK
//   - Structured logging of every request
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Common errors returned by the client.
var (
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrNoSocket         = errors.New("unix socket path is not configured")
)

// Default configuration values.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	DefaultIdleConnTimeout = 30 * time.Second
	DefaultUserAgentHeader = "kvmd-streamer-httpclient/1.0"
)

// HTTP header constants.
const (
	HeaderUserAgent = "User-Agent"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// UnixPath is the socket every request is dialed to.
	UnixPath string

	// ConnectTimeout bounds establishing the socket connection.
	ConnectTimeout time.Duration

	// ReadTimeout bounds every single socket read, including the wait for
	// response headers. Zero disables it.
	ReadTimeout time.Duration

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults. UnixPath must still be set.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		UserAgent:      DefaultUserAgentHeader,
		Logger:         slog.Default(),
	}
}

// Client is an HTTP session bound to one Unix socket.
type Client struct {
	config    Config
	client    *http.Client
	transport *http.Transport
	logger    *slog.Logger
}

// New creates a new client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext:           cfg.dialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          1,
		DisableCompression:    true,
	}

	return &Client{
		config: cfg,
		// No Timeout - streaming responses run indefinitely, ReadTimeout
		// bounds each socket read instead.
		client:    &http.Client{Transport: transport},
		transport: transport,
		logger:    cfg.Logger,
	}
}

// Get performs a GET request to rawURL with the given query parameters.
// A response is returned only for 200 OK; the caller must close its body.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Debug("request failed",
			slog.String("url", u.String()),
			slog.String("socket", c.config.UnixPath),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.logger.Debug("unexpected status code",
			slog.String("url", u.String()),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
		)
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	c.logger.Debug("request completed",
		slog.String("url", u.String()),
		slog.String("socket", c.config.UnixPath),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
	)
	return resp, nil
}

// Close releases idle connections held by the session. Connections carrying
// an open response body are released when that body is closed.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// StatusError reports a response status other than 200 OK.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnexpectedStatus, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

func (cfg Config) dialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	if cfg.UnixPath == "" {
		return nil, ErrNoSocket
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.UnixPath)
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		return conn, nil
	}
	return &deadlineConn{Conn: conn, timeout: cfg.ReadTimeout}, nil
}

// deadlineConn arms a fresh read deadline before every read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
