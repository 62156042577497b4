package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/kvmd-streamer/internal/memsink"
	"github.com/jmylchreest/kvmd-streamer/internal/observability"
	"github.com/jmylchreest/kvmd-streamer/internal/streamer"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a frame file into a shared memory sink",
	Long: `Publish the contents of a file into a shared memory sink, repeatedly,
at a fixed rate. This stands in for the capture daemon when testing the
memsink transport:

  kvmd-streamer publish --object kvmd::ustreamer::jpeg --file frame.jpg
  kvmd-streamer read --type memsink --object kvmd::ustreamer::jpeg`,
	RunE: runPublish,
}

type publishOptions struct {
	dir      string
	object   string
	file     string
	format   string
	width    uint32
	height   uint32
	fps      float64
	count    int
	capacity int
	keep     bool
}

var publishOpts publishOptions

func init() {
	rootCmd.AddCommand(publishCmd)

	f := publishCmd.Flags()
	f.StringVar(&publishOpts.object, "object", "", "shared memory object (default streamer.memsink.object)")
	f.StringVar(&publishOpts.file, "file", "", "file holding one encoded frame")
	f.StringVar(&publishOpts.format, "format", "jpeg", "frame format (jpeg, h264)")
	f.Uint32Var(&publishOpts.width, "width", 1920, "frame width reported to consumers")
	f.Uint32Var(&publishOpts.height, "height", 1080, "frame height reported to consumers")
	f.Float64Var(&publishOpts.fps, "fps", 30, "frames per second")
	f.IntVar(&publishOpts.count, "count", 0, "stop after this many frames (0 = run until interrupted)")
	f.IntVar(&publishOpts.capacity, "capacity", memsink.DefaultCapacity, "payload capacity of a new object in bytes")
	f.BoolVar(&publishOpts.keep, "keep", false, "leave the object in place on exit")

	if err := publishCmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
}

func runPublish(cmd *cobra.Command, _ []string) error {
	opts := publishOpts
	if opts.object == "" {
		opts.object = viper.GetString("streamer.memsink.object")
	}
	if opts.fps <= 0 {
		return fmt.Errorf("--fps must be positive")
	}

	format, err := streamer.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}
	if len(data) > opts.capacity {
		opts.capacity = len(data)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.WithComponent(slog.Default(), "publisher").With(slog.String("object", opts.object))
	return publish(ctx, logger, opts, format, data)
}

func publish(ctx context.Context, logger *slog.Logger, opts publishOptions, format streamer.Format, data []byte) (err error) {
	producer, err := memsink.Create(opts.object, memsink.ProducerOptions{Dir: opts.dir, Capacity: opts.capacity})
	if err != nil {
		return err
	}
	defer func() {
		var closeErr error
		if opts.keep {
			closeErr = producer.Close()
		} else {
			closeErr = producer.Remove()
		}
		if err == nil {
			err = closeErr
		}
	}()

	logger.Info("publishing",
		slog.String("path", producer.Path()),
		slog.String("format", format.String()),
		slog.Int("bytes", len(data)),
		slog.Float64("fps", opts.fps),
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.fps))
	defer ticker.Stop()

	frame := &memsink.Frame{
		Width:  opts.width,
		Height: opts.height,
		Format: uint32(format),
		Online: true,
		Key:    true,
		Data:   data,
	}

	var (
		published  int
		hadClients bool
	)
	for {
		if _, err := producer.Publish(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("publishing frame: %w", err)
		}
		published++

		if opts.count > 0 && published >= opts.count {
			logger.Info("done", slog.Int("published", published))
			return nil
		}

		if active, err := producer.HasClients(ctx, time.Second); err == nil && active != hadClients {
			hadClients = active
			logger.Info("client presence changed", slog.Bool("clients", active), slog.Int("published", published))
		}

		select {
		case <-ctx.Done():
			logger.Info("stopped", slog.Int("published", published))
			return nil
		case <-ticker.C:
		}
	}
}
