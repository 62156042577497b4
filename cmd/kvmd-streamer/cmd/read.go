package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jmylchreest/kvmd-streamer/internal/capability"
	"github.com/jmylchreest/kvmd-streamer/internal/config"
	"github.com/jmylchreest/kvmd-streamer/internal/framestats"
	"github.com/jmylchreest/kvmd-streamer/internal/observability"
	"github.com/jmylchreest/kvmd-streamer/internal/streamer"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read frames from the configured stream",
	Long: `Connect to the configured frame source and drain it.

Temporary failures (daemon restarting, socket gone, end of stream) are
retried with a fresh client after supervisor.retry_delay. Permanent
failures (missing shared memory support, format mismatch, incompatible
sink) stop the command with a non-zero exit status.

Frame statistics are logged every supervisor.stats_interval and a summary
is printed on exit.`,
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)

	readCmd.Flags().String("type", "", "transport (http, memsink)")
	readCmd.Flags().String("unix-path", "", "uStreamer Unix socket for the http transport")
	readCmd.Flags().String("object", "", "shared memory object for the memsink transport")
	readCmd.Flags().String("format", "", "expected memsink format (jpeg, h264)")
	readCmd.Flags().Int("max-frames", 0, "stop after this many frames (0 = run until interrupted)")

	mustBindPFlag("streamer.type", readCmd.Flags().Lookup("type"))
	mustBindPFlag("streamer.http.unix_path", readCmd.Flags().Lookup("unix-path"))
	mustBindPFlag("streamer.memsink.object", readCmd.Flags().Lookup("object"))
	mustBindPFlag("streamer.memsink.format", readCmd.Flags().Lookup("format"))
}

func runRead(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Unmarshal(viper.GetViper())
	if err != nil {
		return err
	}
	maxFrames, _ := cmd.Flags().GetInt("max-frames")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.WithComponent(slog.Default(), "reader")

	caps := capability.Probe(ctx)
	logger.Info("capabilities resolved",
		slog.Bool("memsink", caps.Memsink),
		slog.String("reason", caps.MemsinkReason),
		slog.String("platform", caps.Platform),
	)

	r := newReader(cfg, caps, logger)
	r.maxFrames = maxFrames

	runErr := r.run(ctx)

	printer := message.NewPrinter(language.English)
	fmt.Fprintln(cmd.OutOrStdout(), r.total.Snapshot().Summary(printer))

	return runErr
}

// reader is the simplest consumer of a frame source: one client per
// attempt, a fixed delay after temporary failures, stop on permanent ones.
type reader struct {
	cfg       *config.Config
	caps      capability.Capabilities
	logger    *slog.Logger
	maxFrames int
	newClient func(config.StreamerConfig, capability.Capabilities, *slog.Logger) (streamer.Client, error)

	total    *framestats.Stats
	frames   int
	attempts int
}

func newReader(cfg *config.Config, caps capability.Capabilities, logger *slog.Logger) *reader {
	return &reader{
		cfg:       cfg,
		caps:      caps,
		logger:    logger,
		newClient: streamer.New,
		total:     framestats.New(),
	}
}

// run reads until the frame limit, a permanent failure, or cancellation.
func (r *reader) run(ctx context.Context) error {
	for {
		r.attempts++
		err := r.attempt(ctx, r.attempts)

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			r.logger.Info("stopped", slog.Int("attempts", r.attempts))
			return nil
		case streamer.IsPermanent(err):
			return fmt.Errorf("stream failed permanently: %w", err)
		}

		observability.WithError(r.logger, err).Warn("stream attempt failed, retrying",
			slog.Int("attempt", r.attempts),
			slog.Duration("retry_delay", r.cfg.Supervisor.RetryDelay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.Supervisor.RetryDelay):
		}
	}
}

// attempt drains one freshly built client. It returns nil only when the
// frame limit was reached.
func (r *reader) attempt(ctx context.Context, n int) (err error) {
	logger := observability.WithCorrelationID(r.logger, uuid.NewString()).With(slog.Int("attempt", n))

	done := observability.TimedOperationWithError(ctx, logger, "stream attempt", &err)
	defer done()

	client, err := r.newClient(r.cfg.Streamer, r.caps, logger)
	if err != nil {
		return err
	}
	logger.Info("reading stream", slog.String("client", client.String()), slog.String("format", client.Format().String()))

	stats := framestats.New()
	lastReport := time.Now()
	defer func() {
		logger.Info("stream stats", slog.Any("stats", stats.Snapshot()))
	}()

	for frame, ferr := range client.ReadStream(ctx) {
		if ferr != nil {
			return ferr
		}

		stats.Observe(frame)
		r.total.Observe(frame)
		r.frames++

		if r.maxFrames > 0 && r.frames >= r.maxFrames {
			return nil
		}
		if interval := r.cfg.Supervisor.StatsInterval; interval > 0 && time.Since(lastReport) >= interval {
			logger.Info("stream stats", slog.Any("stats", stats.Snapshot()))
			lastReport = time.Now()
		}
	}

	// A sequence never ends without a failure.
	return streamer.Temporary("Reached EOF")
}
