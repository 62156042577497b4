package streamer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/kvmd-streamer/internal/memsink"
)

// MemsinkConfig configures a MemsinkClient.
type MemsinkConfig struct {
	Name   string
	Format Format
	Object string
	// Dir overrides the shared memory directory; empty means /dev/shm.
	Dir            string
	LockTimeout    time.Duration
	WaitTimeout    time.Duration
	DropSameFrames time.Duration

	// Available is the memsink capability resolved at process start.
	Available bool

	Logger *slog.Logger
}

// frameSink is the consumer side of a shared object.
type frameSink interface {
	WaitFrame(ctx context.Context) (*memsink.Frame, error)
	Close() error
}

// MemsinkClient reads frames from the capture daemon's shared-memory sink.
type MemsinkClient struct {
	config  MemsinkConfig
	logger  *slog.Logger
	open    func() (frameSink, error)
	started atomic.Bool
}

// NewMemsinkClient creates a shared-memory transport client. It fails with a
// permanent error when the host cannot attach to shared objects.
func NewMemsinkClient(cfg MemsinkConfig) (*MemsinkClient, error) {
	if !cfg.Available {
		return nil, Permanent("Missing library")
	}
	if cfg.Format != FormatJPEG && cfg.Format != FormatH264 {
		return nil, Permanent(fmt.Sprintf("unsupported sink format %s", cfg.Format))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &MemsinkClient{
		config: cfg,
		logger: logger.With(
			slog.String("component", "streamer"),
			slog.String("transport", "memsink"),
			slog.String("name", cfg.Name),
		),
	}
	c.open = c.openSink
	return c, nil
}

// Format returns the configured sink format.
func (c *MemsinkClient) Format() Format {
	return c.config.Format
}

func (c *MemsinkClient) String() string {
	return fmt.Sprintf("MemsinkClient(%s)", c.config.Name)
}

// ReadStream returns the frame sequence. The sink is attached when iteration
// begins and detached when the sequence ends.
func (c *MemsinkClient) ReadStream(ctx context.Context) iter.Seq2[*Frame, error] {
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

func (c *MemsinkClient) stream(ctx context.Context, yield func(*Frame, error) bool) error {
	sink, err := c.open()
	if err != nil {
		return c.fail(ctx, err)
	}
	c.logger.Debug("attached to memsink", slog.String("object", c.config.Object))

	workerCtx, cancel := context.WithCancel(ctx)
	worker := startWaitWorker(workerCtx, sink)
	defer func() {
		cancel()
		// The mapping must outlive any WaitFrame still running.
		<-worker.done
		if err := sink.Close(); err != nil {
			c.logger.Warn("failed to detach memsink", slog.String("error", err.Error()))
		}
		c.logger.Debug("memsink released")
	}()

	for {
		raw, err := worker.wait(ctx)
		if err != nil {
			return c.fail(ctx, err)
		}
		if raw == nil || len(raw.Data) == 0 {
			// Wait timeout, a suppressed duplicate or a frame without payload.
			continue
		}

		frame, err := c.convert(raw)
		if err != nil {
			return err
		}
		if !yield(frame, nil) {
			return nil
		}
	}
}

func (c *MemsinkClient) convert(raw *memsink.Frame) (*Frame, error) {
	format := normalizeFormat(raw.Format)
	if format != c.config.Format {
		return nil, Permanent("Invalid sink format")
	}
	return &Frame{
		Online: raw.Online,
		Width:  int(raw.Width),
		Height: int(raw.Height),
		Data:   raw.Data,
		Format: format,
		Stride: int(raw.Stride),
		Key:    raw.Key,
		GOP:    int(raw.GOP),
		GrabTS: raw.GrabTS,
	}, nil
}

// fail classifies a sink failure. A missing object may still appear, a
// resized one needs a fresh mapping and cancellation is the consumer's doing;
// anything else means an incompatible producer.
func (c *MemsinkClient) fail(ctx context.Context, err error) error {
	var se *Error
	switch {
	case errors.As(err, &se):
		return se
	case ctx.Err() != nil:
		return wrapTemporary(ctx.Err())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wrapTemporary(err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, memsink.ErrResized):
		return wrapTemporary(err)
	default:
		return wrapPermanent(err)
	}
}

func (c *MemsinkClient) openSink() (frameSink, error) {
	sink, err := memsink.Open(c.config.Object, memsink.Options{
		Dir:            c.config.Dir,
		LockTimeout:    c.config.LockTimeout,
		WaitTimeout:    c.config.WaitTimeout,
		DropSameFrames: c.config.DropSameFrames,
	})
	if err != nil {
		return nil, err
	}
	return sink, nil
}

type waitResult struct {
	frame *memsink.Frame
	err   error
}

// waitWorker runs the blocking WaitFrame calls of one sequence off the
// consumer's goroutine. At most one wait is outstanding.
type waitWorker struct {
	requests chan struct{}
	results  chan waitResult
	done     chan struct{}
}

func startWaitWorker(ctx context.Context, sink frameSink) *waitWorker {
	w := &waitWorker{
		requests: make(chan struct{}),
		results:  make(chan waitResult, 1),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.requests:
			}
			frame, err := sink.WaitFrame(ctx)
			w.results <- waitResult{frame: frame, err: err}
		}
	}()
	return w
}

// wait hands one WaitFrame call to the worker and awaits its result.
func (w *waitWorker) wait(ctx context.Context) (*memsink.Frame, error) {
	select {
	case w.requests <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-w.results:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
