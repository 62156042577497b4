package streamer

import (
	"errors"
	"io"
)

// eofGuard stops a reader from being polled again once it has reported
// io.EOF. Multipart parsing retries reads on an exhausted body, which can
// spin forever on a stream whose peer stopped without a closing boundary.
type eofGuard struct {
	r   io.Reader
	eof bool
}

func newEOFGuard(r io.Reader) *eofGuard {
	return &eofGuard{r: r}
}

func (g *eofGuard) Read(p []byte) (int, error) {
	if g.eof {
		return 0, Temporary("stream reader: Reached EOF")
	}
	n, err := g.r.Read(p)
	if errors.Is(err, io.EOF) {
		g.eof = true
	}
	return n, err
}
