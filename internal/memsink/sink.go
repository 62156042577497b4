package memsink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// pollInterval is how often a contended lock or an unchanged frame is
// re-checked.
const pollInterval = time.Millisecond

// Default consumer timeouts.
const (
	DefaultLockTimeout = time.Second
	DefaultWaitTimeout = time.Second
)

// Options configures a consumer Sink.
type Options struct {
	// Dir holds the shared objects. Defaults to DefaultDir.
	Dir string

	// LockTimeout bounds a single attempt to take the object lock.
	LockTimeout time.Duration

	// WaitTimeout bounds one WaitFrame call.
	WaitTimeout time.Duration

	// DropSameFrames suppresses a frame identical to the last delivered one
	// for this long after that delivery. Zero disables suppression.
	DropSameFrames time.Duration
}

func (o *Options) applyDefaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
}

// Sink is a consumer attached to one shared object. WaitFrame and Close may
// be called from different goroutines; Close waits for a running WaitFrame.
type Sink struct {
	path string
	opts Options

	mu     sync.Mutex
	m      *mapping
	lastID uint64
	last   *Frame
	lastTS float64
}

// Open attaches to an existing shared object. A missing object yields an
// error matching fs.ErrNotExist.
func Open(object string, opts Options) (*Sink, error) {
	opts.applyDefaults()

	path, err := ObjectPath(opts.Dir, object)
	if err != nil {
		return nil, err
	}

	m, err := openMapping(path, 0, false, 0)
	if err != nil {
		return nil, fmt.Errorf("opening memsink %s: %w", path, err)
	}

	return &Sink{path: path, opts: opts, m: m}, nil
}

// Path returns the file backing the sink.
func (s *Sink) Path() string {
	return s.path
}

// WaitFrame blocks until a new frame is published, the wait timeout
// expires, or ctx is done. A timeout, or a frame suppressed as a duplicate,
// returns (nil, nil).
func (s *Sink) WaitFrame(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m == nil {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(s.opts.WaitTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		frame, err := s.poll(ctx)
		if err != nil || frame != nil {
			return frame, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll inspects the object once under its lock.
func (s *Sink) poll(ctx context.Context) (frame *Frame, err error) {
	if err := lockWithTimeout(ctx, s.m, s.opts.LockTimeout); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			return nil, nil
		}
		return nil, err
	}
	defer func() {
		if unlockErr := s.m.unlock(); unlockErr != nil && err == nil {
			frame, err = nil, unlockErr
		}
	}()

	h := readHeader(s.m.mem)
	if h.Magic != Magic {
		// Producer has not published yet.
		return nil, nil
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, Version)
	}
	if s.last != nil && h.ID == s.lastID {
		return nil, nil
	}
	if capacity := uint64(len(s.m.mem) - HeaderSize); h.Used > capacity {
		if size, err := s.m.size(); err == nil && size > len(s.m.mem) {
			return nil, fmt.Errorf("%w: object is %d bytes, mapped %d", ErrResized, size, len(s.m.mem))
		}
		return nil, fmt.Errorf("%w: %d payload bytes in a %d byte object", ErrCorrupted, h.Used, capacity)
	}
	if h.Used == 0 {
		// Nothing to hand out; wait for the next frame.
		s.lastID = h.ID
		return nil, nil
	}

	now := monotonicNow()
	data := s.m.mem[HeaderSize : HeaderSize+int(h.Used)]

	if s.isDuplicate(&h, data, now) {
		s.lastID = h.ID
		return nil, nil
	}

	frame = h.frame(bytes.Clone(data))
	s.lastID = h.ID
	s.last = frame
	s.lastTS = now
	putFloat(s.m.mem, offLastClientTS, now)
	return frame, nil
}

func (s *Sink) isDuplicate(h *Header, data []byte, now float64) bool {
	if s.opts.DropSameFrames <= 0 || s.last == nil {
		return false
	}
	if s.lastTS+s.opts.DropSameFrames.Seconds() <= now {
		return false
	}
	return h.sameContent(s.last, data)
}

// Close detaches from the object. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m == nil {
		return nil
	}
	err := s.m.close()
	s.m = nil
	return err
}

// lockWithTimeout polls a non-blocking exclusive lock every pollInterval.
func lockWithTimeout(ctx context.Context, m *mapping, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := m.tryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
