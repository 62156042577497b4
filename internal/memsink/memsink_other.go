//go:build !linux

package memsink

import (
	"os"
	"time"
)

// Supported reports whether this build can attach to shared objects.
const Supported = false

type mapping struct {
	mem []byte
}

func openMapping(string, int, bool, os.FileMode) (*mapping, error) {
	return nil, ErrUnsupported
}

func (m *mapping) tryLock() (bool, error) { return false, ErrUnsupported }
func (m *mapping) unlock() error          { return ErrUnsupported }
func (m *mapping) size() (int, error)     { return len(m.mem), nil }
func (m *mapping) close() error           { return nil }

var processStart = time.Now()

func monotonicNow() float64 {
	return time.Since(processStart).Seconds()
}
