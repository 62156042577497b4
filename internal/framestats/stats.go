// Package framestats accumulates per-attempt statistics over a frame
// sequence.
package framestats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"golang.org/x/text/message"

	"github.com/jmylchreest/kvmd-streamer/internal/streamer"
)

// Stats counts frames of one stream attempt. It is safe for concurrent use.
type Stats struct {
	mu  sync.Mutex
	now func() time.Time

	start             time.Time
	frames            uint64
	bytes             uint64
	offline           uint64
	keyframes         uint64
	resolutionChanges uint64
	width             int
	height            int
}

// New starts a new set of counters.
func New() *Stats {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Stats {
	return &Stats{now: now, start: now()}
}

// Observe records one frame.
func (s *Stats) Observe(f *streamer.Frame) {
	key := IsKeyframe(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	s.bytes += uint64(len(f.Data))
	if !f.Online {
		s.offline++
	}
	if key {
		s.keyframes++
	}
	if s.frames > 1 && (f.Width != s.width || f.Height != s.height) {
		s.resolutionChanges++
	}
	s.width, s.height = f.Width, f.Height
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Frames            uint64        `json:"frames"`
	Bytes             uint64        `json:"bytes"`
	Offline           uint64        `json:"offline"`
	Keyframes         uint64        `json:"keyframes"`
	ResolutionChanges uint64        `json:"resolution_changes"`
	Width             int           `json:"width"`
	Height            int           `json:"height"`
	Elapsed           time.Duration `json:"elapsed"`
	FPS               float64       `json:"fps"`
}

// Snapshot returns the current counters and the average frame rate.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := s.now().Sub(s.start)
	snap := Snapshot{
		Frames:            s.frames,
		Bytes:             s.bytes,
		Offline:           s.offline,
		Keyframes:         s.keyframes,
		ResolutionChanges: s.resolutionChanges,
		Width:             s.width,
		Height:            s.height,
		Elapsed:           elapsed,
	}
	if elapsed > 0 {
		snap.FPS = float64(s.frames) / elapsed.Seconds()
	}
	return snap
}

// LogValue implements slog.LogValuer.
func (s Snapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("frames", s.Frames),
		slog.Uint64("bytes", s.Bytes),
		slog.Uint64("offline", s.Offline),
		slog.Uint64("keyframes", s.Keyframes),
		slog.Uint64("resolution_changes", s.ResolutionChanges),
		slog.Int("width", s.Width),
		slog.Int("height", s.Height),
		slog.Duration("elapsed", s.Elapsed),
		slog.Float64("fps", s.FPS),
	)
}

// Summary renders the snapshot for humans, with locale-aware number
// grouping from p.
func (s Snapshot) Summary(p *message.Printer) string {
	return p.Sprintf("%d frames (%d offline, %d keyframes), %d bytes in %s, %.1f fps, last resolution %s",
		s.Frames, s.Offline, s.Keyframes, s.Bytes, s.Elapsed.Round(time.Millisecond).String(), s.FPS,
		fmt.Sprintf("%dx%d", s.Width, s.Height))
}

// IsKeyframe reports whether f can be decoded on its own. Every JPEG frame
// can; an H.264 frame can when the producer flagged it or its access unit
// holds an IDR slice.
func IsKeyframe(f *streamer.Frame) bool {
	switch f.Format {
	case streamer.FormatJPEG:
		return true
	case streamer.FormatH264:
		if f.Key {
			return true
		}
		var au h264.AnnexB
		if err := au.Unmarshal(f.Data); err != nil {
			return false
		}
		return h264.IsRandomAccess(au)
	default:
		return false
	}
}
