package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/kvmd-streamer/internal/httpclient"
)

// Part headers added by the capture daemon when extra_headers is requested.
const (
	HeaderOnline = "X-UStreamer-Online"
	HeaderWidth  = "X-UStreamer-Width"
	HeaderHeight = "X-UStreamer-Height"
)

// The host is ignored by the Unix socket dialer.
const streamURL = "http://localhost:0/stream"

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	Name     string
	UnixPath string
	// Timeout bounds connecting and every single socket read.
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
}

// HTTPClient reads the multipart JPEG stream served on the capture daemon's
// Unix socket.
type HTTPClient struct {
	config  HTTPConfig
	logger  *slog.Logger
	started atomic.Bool
}

// NewHTTPClient creates an HTTP transport client. Nothing is dialed until the
// frame sequence is iterated.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		config: cfg,
		logger: logger.With(
			slog.String("component", "streamer"),
			slog.String("transport", "http"),
			slog.String("name", cfg.Name),
		),
	}
}

// Format always returns FormatJPEG.
func (c *HTTPClient) Format() Format {
	return FormatJPEG
}

func (c *HTTPClient) String() string {
	return fmt.Sprintf("HTTPClient(%s)", c.config.Name)
}

// ReadStream returns the frame sequence. One connection is opened when
// iteration begins and released when the sequence ends.
func (c *HTTPClient) ReadStream(ctx context.Context) iter.Seq2[*Frame, error] {
	return func(yield func(*Frame, error) bool) {
		if !c.started.CompareAndSwap(false, true) {
			yield(nil, wrapPermanent(ErrAlreadyStarted))
			return
		}
		if err := c.stream(ctx, yield); err != nil {
			yield(nil, err)
		}
	}
}

// stream runs one connection. It returns nil only when the consumer stopped
// iterating; every other exit is a classified failure.
func (c *HTTPClient) stream(ctx context.Context, yield func(*Frame, error) bool) error {
	sessionCfg := httpclient.DefaultConfig()
	sessionCfg.UnixPath = c.config.UnixPath
	sessionCfg.Logger = c.logger
	if c.config.Timeout > 0 {
		sessionCfg.ConnectTimeout = c.config.Timeout
		sessionCfg.ReadTimeout = c.config.Timeout
	}
	if c.config.UserAgent != "" {
		sessionCfg.UserAgent = c.config.UserAgent
	}

	session := httpclient.New(sessionCfg)
	defer session.Close()

	resp, err := session.Get(ctx, streamURL, url.Values{"extra_headers": {"1"}})
	if err != nil {
		return c.fail(ctx, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("connected to stream", slog.String("socket", c.config.UnixPath))
	defer c.logger.Debug("stream connection released")

	reader, err := newMultipartReader(resp)
	if err != nil {
		return c.fail(ctx, err)
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Temporary("Reached EOF")
		}
		if err != nil {
			return c.fail(ctx, err)
		}

		frame, err := readFrame(part)
		part.Close()
		if err != nil {
			return c.fail(ctx, err)
		}

		if !yield(frame, nil) {
			return nil
		}
	}
}

// fail classifies a transport failure. Everything on this transport is
// temporary; cancellation keeps the context error as its cause.
func (c *HTTPClient) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return wrapTemporary(ctxErr)
	}
	return wrapTemporary(err)
}

func newMultipartReader(resp *http.Response) (*multipart.Reader, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parsing content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unexpected content type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart boundary is missing")
	}
	return multipart.NewReader(newEOFGuard(resp.Body), boundary), nil
}

func readFrame(part *multipart.Part) (*Frame, error) {
	if isNestedMultipart(part.Header) {
		return nil, Temporary("Expected body part")
	}

	data, err := io.ReadAll(part)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Peer went away mid-part.
		return nil, Temporary("Reached EOF")
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, Temporary("Reached EOF")
	}

	online, err := requireHeader(part.Header, HeaderOnline)
	if err != nil {
		return nil, err
	}
	width, err := intHeader(part.Header, HeaderWidth)
	if err != nil {
		return nil, err
	}
	height, err := intHeader(part.Header, HeaderHeight)
	if err != nil {
		return nil, err
	}
	if online == "true" && (width <= 0 || height <= 0) {
		return nil, fmt.Errorf("invalid frame geometry %dx%d", width, height)
	}

	return &Frame{
		Online: online == "true",
		Width:  width,
		Height: height,
		Data:   data,
		Format: FormatJPEG,
	}, nil
}

func isNestedMultipart(h textproto.MIMEHeader) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

func requireHeader(h textproto.MIMEHeader, name string) (string, error) {
	values := h.Values(name)
	if len(values) == 0 {
		return "", fmt.Errorf("missing part header %q", name)
	}
	return values[0], nil
}

func intHeader(h textproto.MIMEHeader, name string) (int, error) {
	raw, err := requireHeader(h, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return v, nil
}
