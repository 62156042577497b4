package streamer

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/kvmd-streamer/internal/capability"
	"github.com/jmylchreest/kvmd-streamer/internal/config"
	"github.com/jmylchreest/kvmd-streamer/internal/version"
)

// New builds the client selected by cfg.Type. Call it once per stream
// attempt; clients are not reusable.
func New(cfg config.StreamerConfig, caps capability.Capabilities, logger *slog.Logger) (Client, error) {
	switch cfg.Type {
	case config.TypeHTTP:
		userAgent := cfg.HTTP.UserAgent
		if userAgent == "" {
			userAgent = version.UserAgent()
		}
		return NewHTTPClient(HTTPConfig{
			Name:      cfg.Name,
			UnixPath:  cfg.HTTP.UnixPath,
			Timeout:   cfg.HTTP.Timeout,
			UserAgent: userAgent,
			Logger:    logger,
		}), nil

	case config.TypeMemsink:
		format, err := ParseFormat(cfg.Memsink.Format)
		if err != nil {
			return nil, wrapPermanent(err)
		}
		client, err := NewMemsinkClient(MemsinkConfig{
			Name:           cfg.Name,
			Format:         format,
			Object:         cfg.Memsink.Object,
			LockTimeout:    cfg.Memsink.LockTimeout,
			WaitTimeout:    cfg.Memsink.WaitTimeout,
			DropSameFrames: cfg.Memsink.DropSameFrames,
			Available:      caps.Memsink,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil

	default:
		return nil, Permanent(fmt.Sprintf("unknown streamer type %q", cfg.Type))
	}
}
