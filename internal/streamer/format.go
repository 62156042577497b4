package streamer

import (
	"fmt"
	"strings"
)

// Format is a V4L2 pixel format code (fourcc, little endian).
type Format uint32

// Formats a Frame may carry.
const (
	FormatJPEG Format = 'J' | 'P'<<8 | 'E'<<16 | 'G'<<24 // 1195724874, V4L2_PIX_FMT_JPEG
	FormatH264 Format = 'H' | '2'<<8 | '6'<<16 | '4'<<24 // 875967048, V4L2_PIX_FMT_H264

	// formatMJPEG is what some capture devices report for JPEG payloads.
	// It never leaves this package.
	formatMJPEG Format = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24 // 1196444237, V4L2_PIX_FMT_MJPEG
)

// normalizeFormat maps alias codes onto their canonical format.
func normalizeFormat(raw uint32) Format {
	if f := Format(raw); f != formatMJPEG {
		return f
	}
	return FormatJPEG
}

// ParseFormat parses a configuration value ("jpeg" or "h264").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg":
		return FormatJPEG, nil
	case "h264":
		return FormatH264, nil
	default:
		return 0, fmt.Errorf("unknown stream format %q", s)
	}
}

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatH264:
		return "H264"
	case formatMJPEG:
		return "MJPEG"
	default:
		return fmt.Sprintf("Format(%d)", uint32(f))
	}
}
