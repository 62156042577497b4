package memsink

import (
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const formatJPEG = 1195724874

func requireSupported(t *testing.T) {
	t.Helper()
	if !Supported {
		t.Skip("memsink is not supported on this platform")
	}
}

// newPair creates a producer and an attached consumer on a fresh object.
func newPair(t *testing.T, opts Options) (*Producer, *Sink) {
	t.Helper()
	requireSupported(t)

	dir := t.TempDir()
	object := "kvmd-test-" + uuid.NewString()

	p, err := Create(object, ProducerOptions{Dir: dir, Capacity: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { p.Remove() })

	opts.Dir = dir
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 50 * time.Millisecond
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = 10 * time.Millisecond
	}
	s, err := Open(object, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return p, s
}

func publish(t *testing.T, p *Producer, data string) uint64 {
	t.Helper()
	id, err := p.Publish(context.Background(), &Frame{
		Width:  640,
		Height: 480,
		Format: formatJPEG,
		Online: true,
		Data:   []byte(data),
	})
	require.NoError(t, err)
	return id
}

func TestObjectPath(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		object  string
		want    string
		wantErr bool
	}{
		{"plain name", "", "kvmd::ustreamer::jpeg", "/dev/shm/kvmd::ustreamer::jpeg", false},
		{"leading slash", "", "/kvmd::ustreamer::h264", "/dev/shm/kvmd::ustreamer::h264", false},
		{"custom dir", "/tmp/shm", "obj", "/tmp/shm/obj", false},
		{"empty", "", "", "", true},
		{"only slash", "", "/", "", true},
		{"nested", "", "a/b", "", true},
		{"dot dot", "", "..", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ObjectPath(tt.dir, tt.object)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidObject)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	mem := make([]byte, HeaderSize)
	writeHeader(mem, &Header{
		Magic:   Magic,
		Version: Version,
		ID:      42,
		Used:    1000,
		Width:   1920,
		Height:  1080,
		Format:  formatJPEG,
		Stride:  3840,
		Online:  true,
		Key:     true,
		GOP:     30,
		GrabTS:  1.5,
	})

	le := binary.LittleEndian
	assert.Equal(t, uint64(0xCAFEBABECAFEBABE), le.Uint64(mem[0:]))
	assert.Equal(t, uint32(7), le.Uint32(mem[8:]))
	assert.Equal(t, uint64(42), le.Uint64(mem[16:]))
	assert.Equal(t, uint64(1000), le.Uint64(mem[24:]))
	assert.Equal(t, uint32(1920), le.Uint32(mem[32:]))
	assert.Equal(t, uint32(1080), le.Uint32(mem[36:]))
	assert.Equal(t, uint32(formatJPEG), le.Uint32(mem[40:]))
	assert.Equal(t, uint32(3840), le.Uint32(mem[44:]))
	assert.Equal(t, byte(1), mem[48])
	assert.Equal(t, byte(1), mem[49])
	assert.Equal(t, uint32(30), le.Uint32(mem[52:]))

	h := readHeader(mem)
	assert.Equal(t, 1.5, h.GrabTS)
	assert.Zero(t, h.LastClientTS)

	putFloat(mem, offLastClientTS, 9.25)
	writeHeader(mem, &h)
	assert.Equal(t, 9.25, readHeader(mem).LastClientTS, "producer writes must keep the consumer timestamp")
}

func TestOpen_Missing(t *testing.T) {
	requireSupported(t)

	_, err := Open("missing-"+uuid.NewString(), Options{Dir: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOpen_NotReady(t *testing.T) {
	requireSupported(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short"), []byte("tiny"), 0o600))

	_, err := Open("short", Options{Dir: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestWaitFrame_NothingPublished(t *testing.T) {
	_, s := newPair(t, Options{})

	start := time.Now()
	frame, err := s.WaitFrame(context.Background())
	require.NoError(t, err)
	assert.Nil(t, frame)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitFrame_Publish(t *testing.T) {
	p, s := newPair(t, Options{})

	id, err := p.Publish(context.Background(), &Frame{
		Width:  1280,
		Height: 720,
		Format: formatJPEG,
		Stride: 2560,
		Online: true,
		Key:    true,
		GOP:    60,
		GrabTS: 123.5,
		Data:   []byte("jpeg-bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	frame, err := s.WaitFrame(context.Background())
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, id, frame.ID)
	assert.Equal(t, uint32(1280), frame.Width)
	assert.Equal(t, uint32(720), frame.Height)
	assert.Equal(t, uint32(formatJPEG), frame.Format)
	assert.Equal(t, uint32(2560), frame.Stride)
	assert.True(t, frame.Online)
	assert.True(t, frame.Key)
	assert.Equal(t, uint32(60), frame.GOP)
	assert.Equal(t, 123.5, frame.GrabTS)
	assert.NotZero(t, frame.EncodeEndTS)
	assert.Equal(t, []byte("jpeg-bytes"), frame.Data)

	// Same frame is not delivered twice.
	frame, err = s.WaitFrame(context.Background())
	require.NoError(t, err)
	assert.Nil(t, frame)

	next := publish(t, p, "next")
	assert.Equal(t, id+1, next)

	frame, err = s.WaitFrame(context.Background())
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, []byte("next"), frame.Data)
}

func TestWaitFrame_DataIsCopied(t *testing.T) {
	p, s := newPair(t, Options{})

	publish(t, p, "first")
	frame, err := s.WaitFrame(context.Background())
	require.NoError(t, err)
	require.NotNil(t, frame)

	publish(t, p, "XXXXX")
	assert.Equal(t, []byte("first"), frame.Data)
}

func TestWaitFrame_DropSameFrames(t *testing.T) {
	t.Run("identical frame suppressed within window", func(t *testing.T) {
		p, s := newPair(t, Options{DropSameFrames: time.Hour})

		publish(t, p, "static")
		frame, err := s.WaitFrame(context.Background())
		require.NoError(t, err)
		require.NotNil(t, frame)

		publish(t, p, "static")
		frame, err = s.WaitFrame(context.Background())
		require.NoError(t, err)
		assert.Nil(t, frame)

		publish(t, p, "changed")
		frame, err = s.WaitFrame(context.Background())
		require.NoError(t, err)
		require.NotNil(t, frame)
		assert.Equal(t, []byte("changed"), frame.Data)
	})

	t.Run("identical frame delivered when disabled", func(t *testing.T) {
		p, s := newPair(t, Options{})

		publish(t, p, "static")
		_, err := s.WaitFrame(context.Background())
		require.NoError(t, err)

		publish(t, p, "static")
		frame, err := s.WaitFrame(context.Background())
		require.NoError(t, err)
		require.NotNil(t, frame)
	})

	t.Run("identical frame delivered after window", func(t *testing.T) {
		p, s := newPair(t, Options{DropSameFrames: 20 * time.Millisecond})

		publish(t, p, "static")
		_, err := s.WaitFrame(context.Background())
		require.NoError(t, err)

		time.Sleep(40 * time.Millisecond)
		publish(t, p, "static")
		frame, err := s.WaitFrame(context.Background())
		require.NoError(t, err)
		require.NotNil(t, frame)
	})
}

func TestWaitFrame_InvalidHeader(t *testing.T) {
	t.Run("version mismatch", func(t *testing.T) {
		p, s := newPair(t, Options{})
		writeHeader(p.m.mem, &Header{Magic: Magic, Version: Version - 1, ID: 1})

		_, err := s.WaitFrame(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrVersionMismatch)
	})

	t.Run("used exceeds capacity", func(t *testing.T) {
		p, s := newPair(t, Options{})
		writeHeader(p.m.mem, &Header{Magic: Magic, Version: Version, ID: 1, Used: 1 << 20})

		_, err := s.WaitFrame(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("object grown by a producer", func(t *testing.T) {
		p, s := newPair(t, Options{})

		grown, err := Create(filepath.Base(p.Path()), ProducerOptions{Dir: filepath.Dir(p.Path()), Capacity: 8192})
		require.NoError(t, err)
		defer grown.Close()

		_, err = grown.Publish(context.Background(), &Frame{Format: formatJPEG, Online: true, Data: make([]byte, 4096)})
		require.NoError(t, err)

		_, err = s.WaitFrame(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResized)
		assert.NotErrorIs(t, err, ErrCorrupted)
	})
}

func TestWaitFrame_EmptyPayload(t *testing.T) {
	p, s := newPair(t, Options{})
	writeHeader(p.m.mem, &Header{Magic: Magic, Version: Version, ID: 1, Width: 640, Height: 480, Format: formatJPEG, Online: true})

	frame, err := s.WaitFrame(context.Background())
	require.NoError(t, err)
	assert.Nil(t, frame, "a frame without payload is never handed out")
	assert.Equal(t, uint64(1), s.lastID)

	id := publish(t, p, "frame")
	assert.Equal(t, uint64(2), id)

	frame, err = s.WaitFrame(context.Background())
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, uint64(2), frame.ID)
	assert.Equal(t, []byte("frame"), frame.Data)
}

func TestWaitFrame_LockHeld(t *testing.T) {
	p, s := newPair(t, Options{})
	publish(t, p, "frame")

	require.NoError(t, lockWithTimeout(context.Background(), p.m, time.Second))

	frame, err := s.WaitFrame(context.Background())
	require.NoError(t, err)
	assert.Nil(t, frame, "no frame may be read while the producer holds the lock")

	require.NoError(t, p.m.unlock())

	frame, err = s.WaitFrame(context.Background())
	require.NoError(t, err)
	require.NotNil(t, frame)
}

func TestWaitFrame_ContextCancel(t *testing.T) {
	_, s := newPair(t, Options{WaitTimeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.WaitFrame(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSink_Close(t *testing.T) {
	_, s := newPair(t, Options{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.WaitFrame(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProducer_HasClients(t *testing.T) {
	p, s := newPair(t, Options{})
	ctx := context.Background()

	active, err := p.HasClients(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, active)

	publish(t, p, "frame")
	_, err = s.WaitFrame(ctx)
	require.NoError(t, err)

	active, err = p.HasClients(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestProducer_TooLarge(t *testing.T) {
	p, _ := newPair(t, Options{})

	_, err := p.Publish(context.Background(), &Frame{Data: make([]byte, p.Capacity()+1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestProducer_EmptyFrame(t *testing.T) {
	p, s := newPair(t, Options{})

	_, err := p.Publish(context.Background(), &Frame{Width: 640, Height: 480, Format: formatJPEG, Online: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	frame, err := s.WaitFrame(context.Background())
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestProducer_Remove(t *testing.T) {
	requireSupported(t)

	dir := t.TempDir()
	p, err := Create("removable", ProducerOptions{Dir: dir, Capacity: 64})
	require.NoError(t, err)

	_, err = os.Stat(p.Path())
	require.NoError(t, err)

	require.NoError(t, p.Remove())
	_, err = os.Stat(p.Path())
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = p.Publish(context.Background(), &Frame{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrClosed)
}
