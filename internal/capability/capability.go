// Package capability resolves, once at process start, which frame source
// transports this host can use.
package capability

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/kvmd-streamer/internal/memsink"
)

// Capabilities is the result of a probe.
type Capabilities struct {
	// Memsink is true when shared-memory frame sinks can be attached.
	Memsink bool `json:"memsink"`
	// MemsinkReason explains the Memsink verdict.
	MemsinkReason string `json:"memsink_reason"`

	ShmDir   string `json:"shm_dir"`
	ShmFree  uint64 `json:"shm_free_bytes,omitempty"`
	Platform string `json:"platform"`
}

// Detector probes the host. Its lookups are replaceable for tests.
type Detector struct {
	shmDir     string
	supported  bool
	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewDetector creates a detector for the default shared memory directory.
func NewDetector() *Detector {
	return &Detector{
		shmDir:     memsink.DefaultDir,
		supported:  memsink.Supported,
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
	}
}

// Probe runs the default detector.
func Probe(ctx context.Context) Capabilities {
	return NewDetector().Detect(ctx)
}

// Detect inspects the host. It never fails: anything that cannot be
// determined counts as unavailable.
func (d *Detector) Detect(ctx context.Context) Capabilities {
	caps := Capabilities{
		ShmDir:   d.shmDir,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}

	if !d.supported {
		caps.MemsinkReason = "shared memory sinks are not supported on " + runtime.GOOS
		return caps
	}

	partitions, err := d.partitions(ctx, true)
	if err != nil {
		caps.MemsinkReason = fmt.Sprintf("listing mounts: %v", err)
		return caps
	}

	mount, ok := findMount(partitions, d.shmDir)
	if !ok {
		caps.MemsinkReason = d.shmDir + " is not mounted"
		return caps
	}
	if mount.Fstype != "tmpfs" {
		caps.MemsinkReason = fmt.Sprintf("%s is %s, not tmpfs", d.shmDir, mount.Fstype)
		return caps
	}

	caps.Memsink = true
	caps.MemsinkReason = fmt.Sprintf("tmpfs mounted on %s", d.shmDir)
	if usage, err := d.usage(ctx, d.shmDir); err == nil {
		caps.ShmFree = usage.Free
	}
	return caps
}

// findMount returns the partition mounted exactly on dir.
func findMount(partitions []disk.PartitionStat, dir string) (disk.PartitionStat, bool) {
	dir = filepath.Clean(dir)
	var found disk.PartitionStat
	ok := false
	// Later entries shadow earlier mounts on the same point.
	for _, p := range partitions {
		if filepath.Clean(p.Mountpoint) == dir {
			found, ok = p, true
		}
	}
	return found, ok
}
