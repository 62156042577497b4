package streamer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testBoundary = "boundarydonotcross"

// serveUnix starts an httptest server on a Unix socket in a short temp dir
// and returns the socket path.
func serveUnix(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "st")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "u.sock")
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(handler)
	server.Listener = listener
	server.Start()
	t.Cleanup(server.Close)

	return path
}

// streamWriter writes a multipart stream the way the capture daemon does:
// every part is followed by a boundary line.
type streamWriter struct {
	w http.ResponseWriter
}

func startStream(w http.ResponseWriter) *streamWriter {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary="+testBoundary)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "--%s\r\n", testBoundary)
	w.(http.Flusher).Flush()
	return &streamWriter{w: w}
}

func (s *streamWriter) writePart(headers map[string]string, data []byte) {
	for k, v := range headers {
		fmt.Fprintf(s.w, "%s: %s\r\n", k, v)
	}
	fmt.Fprint(s.w, "\r\n")
	s.w.Write(data)
	fmt.Fprintf(s.w, "\r\n--%s\r\n", testBoundary)
	s.w.(http.Flusher).Flush()
}

func (s *streamWriter) writeFrame(online bool, width, height int, data []byte) {
	s.writePart(frameHeaders(online, width, height), data)
}

func frameHeaders(online bool, width, height int) map[string]string {
	return map[string]string{
		"Content-Type": "image/jpeg",
		HeaderOnline:   strconv.FormatBool(online),
		HeaderWidth:    strconv.Itoa(width),
		HeaderHeight:   strconv.Itoa(height),
	}
}

func testHTTPClient(path string) *HTTPClient {
	return NewHTTPClient(HTTPConfig{
		Name:      "test",
		UnixPath:  path,
		Timeout:   2 * time.Second,
		UserAgent: "KVMD-Streamer/test",
	})
}

// drain collects frames until the sequence ends or limit frames were read.
func drain(ctx context.Context, c Client, limit int) ([]*Frame, error) {
	var frames []*Frame
	for frame, err := range c.ReadStream(ctx) {
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		if limit > 0 && len(frames) >= limit {
			return frames, nil
		}
	}
	return frames, nil
}
