// Package memsink reads and writes the capture daemon's shared-memory frame
// sink: a single-slot buffer in /dev/shm holding the latest encoded frame
// behind a fixed little-endian header, guarded by an advisory file lock.
package memsink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"strings"
)

// Shared object layout.
const (
	Magic      uint64 = 0xCAFEBABECAFEBABE
	Version    uint32 = 7
	HeaderSize        = 128

	// DefaultDir is where POSIX shared memory objects live on Linux.
	DefaultDir = "/dev/shm"
)

const (
	offMagic         = 0
	offVersion       = 8
	offID            = 16
	offUsed          = 24
	offWidth         = 32
	offHeight        = 36
	offFormat        = 40
	offStride        = 44
	offOnline        = 48
	offKey           = 49
	offGOP           = 52
	offGrabTS        = 56
	offEncodeBeginTS = 64
	offEncodeEndTS   = 72
	offLastClientTS  = 80
)

var (
	ErrUnsupported     = errors.New("memsink is not supported on this platform")
	ErrVersionMismatch = errors.New("memsink version mismatch")
	ErrCorrupted       = errors.New("memsink header is corrupted")
	ErrInvalidObject   = errors.New("invalid memsink object name")
	ErrTooLarge        = errors.New("frame exceeds memsink capacity")
	ErrEmptyFrame      = errors.New("frame has no payload")
	ErrResized         = errors.New("memsink object was resized, reattach")
	ErrLockTimeout     = errors.New("timed out waiting for memsink lock")
	ErrClosed          = errors.New("memsink is closed")

	// ErrNotReady is returned for an object the producer has not sized yet.
	// It matches fs.ErrNotExist: callers treat both as "not there yet".
	ErrNotReady = fmt.Errorf("memsink object is not initialised: %w", fs.ErrNotExist)
)

// Header mirrors the fixed header at the start of the shared object.
type Header struct {
	Magic         uint64
	Version       uint32
	ID            uint64
	Used          uint64
	Width         uint32
	Height        uint32
	Format        uint32
	Stride        uint32
	Online        bool
	Key           bool
	GOP           uint32
	GrabTS        float64
	EncodeBeginTS float64
	EncodeEndTS   float64
	LastClientTS  float64
}

// Frame is a frame copied out of the shared object.
type Frame struct {
	ID            uint64
	Width         uint32
	Height        uint32
	Format        uint32
	Stride        uint32
	Online        bool
	Key           bool
	GOP           uint32
	GrabTS        float64
	EncodeBeginTS float64
	EncodeEndTS   float64
	Data          []byte
}

// ObjectPath resolves a shared object name to its file under dir. A leading
// slash is accepted and ignored, as shm_open does.
func ObjectPath(dir, object string) (string, error) {
	name := strings.TrimPrefix(object, "/")
	if name == "" || strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidObject, object)
	}
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name), nil
}

func readHeader(mem []byte) Header {
	le := binary.LittleEndian
	return Header{
		Magic:         le.Uint64(mem[offMagic:]),
		Version:       le.Uint32(mem[offVersion:]),
		ID:            le.Uint64(mem[offID:]),
		Used:          le.Uint64(mem[offUsed:]),
		Width:         le.Uint32(mem[offWidth:]),
		Height:        le.Uint32(mem[offHeight:]),
		Format:        le.Uint32(mem[offFormat:]),
		Stride:        le.Uint32(mem[offStride:]),
		Online:        mem[offOnline] != 0,
		Key:           mem[offKey] != 0,
		GOP:           le.Uint32(mem[offGOP:]),
		GrabTS:        getFloat(mem, offGrabTS),
		EncodeBeginTS: getFloat(mem, offEncodeBeginTS),
		EncodeEndTS:   getFloat(mem, offEncodeEndTS),
		LastClientTS:  getFloat(mem, offLastClientTS),
	}
}

// writeHeader stores every field except LastClientTS, which belongs to the
// consumers.
func writeHeader(mem []byte, h *Header) {
	le := binary.LittleEndian
	le.PutUint64(mem[offMagic:], h.Magic)
	le.PutUint32(mem[offVersion:], h.Version)
	le.PutUint64(mem[offID:], h.ID)
	le.PutUint64(mem[offUsed:], h.Used)
	le.PutUint32(mem[offWidth:], h.Width)
	le.PutUint32(mem[offHeight:], h.Height)
	le.PutUint32(mem[offFormat:], h.Format)
	le.PutUint32(mem[offStride:], h.Stride)
	mem[offOnline] = boolByte(h.Online)
	mem[offKey] = boolByte(h.Key)
	le.PutUint32(mem[offGOP:], h.GOP)
	putFloat(mem, offGrabTS, h.GrabTS)
	putFloat(mem, offEncodeBeginTS, h.EncodeBeginTS)
	putFloat(mem, offEncodeEndTS, h.EncodeEndTS)
}

func getFloat(mem []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(mem[off:]))
}

func putFloat(mem []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(mem[off:], math.Float64bits(v))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (h *Header) frame(data []byte) *Frame {
	return &Frame{
		ID:            h.ID,
		Width:         h.Width,
		Height:        h.Height,
		Format:        h.Format,
		Stride:        h.Stride,
		Online:        h.Online,
		Key:           h.Key,
		GOP:           h.GOP,
		GrabTS:        h.GrabTS,
		EncodeBeginTS: h.EncodeBeginTS,
		EncodeEndTS:   h.EncodeEndTS,
		Data:          data,
	}
}

// sameContent reports whether the header describes a frame identical to f.
func (h *Header) sameContent(f *Frame, data []byte) bool {
	return h.Width == f.Width &&
		h.Height == f.Height &&
		h.Format == f.Format &&
		h.Stride == f.Stride &&
		h.Online == f.Online &&
		h.Key == f.Key &&
		bytes.Equal(data, f.Data)
}
