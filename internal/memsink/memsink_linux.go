//go:build linux

package memsink

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Supported reports whether this build can attach to shared objects.
const Supported = true

type mapping struct {
	file *os.File
	fd   int
	mem  []byte
}

// openMapping maps the object at path read-write. With create set the object
// is created if missing and grown to at least size bytes; otherwise its
// current size is used.
func openMapping(path string, size int, create bool, mode os.FileMode) (*mapping, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	current := int(info.Size())
	if create && current < size {
		// Never shrink: attached consumers would fault on the lost pages.
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
		current = size
	}
	if current < HeaderSize {
		file.Close()
		return nil, ErrNotReady
	}

	fd := int(file.Fd())
	mem, err := unix.Mmap(fd, 0, current, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &mapping{file: file, fd: fd, mem: mem}, nil
}

func (m *mapping) tryLock() (bool, error) {
	for {
		err := unix.Flock(m.fd, unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EWOULDBLOCK):
			return false, nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return false, fmt.Errorf("flock: %w", err)
		}
	}
}

func (m *mapping) unlock() error {
	if err := unix.Flock(m.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	return nil
}

// size returns the current size of the backing file, which a producer may
// have grown past the mapped length.
func (m *mapping) size() (int, error) {
	info, err := m.file.Stat()
	if err != nil {
		return 0, err
	}
	return int(info.Size()), nil
}

func (m *mapping) close() error {
	return errors.Join(unix.Munmap(m.mem), m.file.Close())
}

// monotonicNow returns CLOCK_MONOTONIC in seconds, the clock the capture
// daemon stamps frames with. It is shared by every process on the host.
func monotonicNow() float64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return float64(ts.Sec) + float64(ts.Nsec)/1e9
}
