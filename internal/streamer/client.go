// Package streamer pulls encoded video frames from the capture daemon.
//
// Two transports implement the same Client contract:
//
//   - HTTPClient reads the multipart stream served on a Unix socket.
//   - MemsinkClient reads a shared-memory ring buffer on the same host.
//
// A client produces one lazy, single-consumer frame sequence. Every failure it
// yields is an *Error classified as temporary (build a new client and retry)
// or permanent (the configuration must change first).
package streamer

import (
	"context"
	"iter"
)

// Client is a source of encoded video frames.
type Client interface {
	// Format returns the format of every frame the client yields.
	// It is fixed at construction.
	Format() Format

	// ReadStream returns the frame sequence. The sequence ends after yielding
	// exactly one (nil, *Error) pair, or when the consumer stops iterating.
	// It may be iterated once; a client is discarded after its sequence ends.
	ReadStream(ctx context.Context) iter.Seq2[*Frame, error]

	String() string
}

// Frame is an encoded video frame.
type Frame struct {
	Online bool
	Width  int
	Height int
	Data   []byte
	Format Format

	// Set by the memsink transport only.
	Stride int
	Key    bool
	GOP    int
	GrabTS float64
}
