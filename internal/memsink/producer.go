package memsink

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultCapacity is the payload size of a newly created object.
const DefaultCapacity = 4 << 20

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	// Dir holds the shared objects. Defaults to DefaultDir.
	Dir string

	// Capacity is the largest payload the object can hold.
	Capacity int

	// LockTimeout bounds waiting for consumers to release the lock.
	LockTimeout time.Duration

	// Mode is the permission of a newly created object.
	Mode os.FileMode
}

// Producer publishes frames into a shared object.
type Producer struct {
	path string
	opts ProducerOptions

	mu sync.Mutex
	m  *mapping
}

// Create creates (or reuses) the shared object and maps it for writing.
// Consumers see no frame until the first Publish.
func Create(object string, opts ProducerOptions) (*Producer, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Mode == 0 {
		opts.Mode = 0o660
	}

	path, err := ObjectPath(opts.Dir, object)
	if err != nil {
		return nil, err
	}

	m, err := openMapping(path, HeaderSize+opts.Capacity, true, opts.Mode)
	if err != nil {
		return nil, fmt.Errorf("creating memsink %s: %w", path, err)
	}

	return &Producer{path: path, opts: opts, m: m}, nil
}

// Path returns the file backing the producer.
func (p *Producer) Path() string {
	return p.path
}

// Capacity returns the largest payload Publish accepts.
func (p *Producer) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.m == nil {
		return 0
	}
	return len(p.m.mem) - HeaderSize
}

// Publish replaces the current frame. The frame ID is assigned by the
// producer and returned; timestamps left at zero are stamped with the
// current monotonic time.
func (p *Producer) Publish(ctx context.Context, f *Frame) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.m == nil {
		return 0, ErrClosed
	}
	if len(f.Data) == 0 {
		return 0, ErrEmptyFrame
	}
	if capacity := len(p.m.mem) - HeaderSize; len(f.Data) > capacity {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(f.Data), capacity)
	}

	if err := lockWithTimeout(ctx, p.m, p.opts.LockTimeout); err != nil {
		return 0, fmt.Errorf("locking memsink: %w", err)
	}

	now := monotonicNow()
	h := Header{
		Magic:         Magic,
		Version:       Version,
		ID:            readHeader(p.m.mem).ID + 1,
		Used:          uint64(len(f.Data)),
		Width:         f.Width,
		Height:        f.Height,
		Format:        f.Format,
		Stride:        f.Stride,
		Online:        f.Online,
		Key:           f.Key,
		GOP:           f.GOP,
		GrabTS:        orNow(f.GrabTS, now),
		EncodeBeginTS: orNow(f.EncodeBeginTS, now),
		EncodeEndTS:   orNow(f.EncodeEndTS, now),
	}
	copy(p.m.mem[HeaderSize:], f.Data)
	writeHeader(p.m.mem, &h)

	if err := p.m.unlock(); err != nil {
		return 0, err
	}
	return h.ID, nil
}

// HasClients reports whether a consumer took a frame within the last d.
func (p *Producer) HasClients(ctx context.Context, d time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.m == nil {
		return false, ErrClosed
	}
	if err := lockWithTimeout(ctx, p.m, p.opts.LockTimeout); err != nil {
		return false, fmt.Errorf("locking memsink: %w", err)
	}
	last := readHeader(p.m.mem).LastClientTS
	if err := p.m.unlock(); err != nil {
		return false, err
	}
	return last > 0 && monotonicNow()-last < d.Seconds(), nil
}

// Close unmaps the object and leaves it in place for consumers.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.m == nil {
		return nil
	}
	err := p.m.close()
	p.m = nil
	return err
}

// Remove closes the producer and unlinks the object.
func (p *Producer) Remove() error {
	if err := p.Close(); err != nil {
		return err
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing memsink %s: %w", p.path, err)
	}
	return nil
}

func orNow(ts, now float64) float64 {
	if ts == 0 {
		return now
	}
	return ts
}
