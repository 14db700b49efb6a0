// pseudo-mm-template prepares microVM memory checkpoints for remote,
// on-demand restoration: it uploads a snapshot's memory image to a remote
// memory pool, reserves a pseudo_mm mapping for it, and emits the template
// descriptor the restore pipeline consumes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/um-disco/faasnap-firecracker/internal/cfg"
	"github.com/um-disco/faasnap-firecracker/internal/pseudomm"
	"github.com/um-disco/faasnap-firecracker/internal/template"
)

var config cfg.Config

func main() {
	root := &cobra.Command{
		Use:           "pseudo-mm-template",
		Short:         "Create pseudo_mm templates from microVM snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			config, err = cfg.Parse()
			if err != nil {
				return fmt.Errorf("%w: %w", template.ErrConfiguration, err)
			}

			logger, err := newLogger(config.Debug)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			return nil
		},
	}

	root.AddCommand(newCreateCommand(), newBatchCommand())

	// Cancellation takes effect between jobs; a template mid-transfer is
	// never left with a descriptor.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		zap.L().Error("run failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(template.ExitCode(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	loggerConfig := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:       "timestamp",
			MessageKey:    "message",
			LevelKey:      "level",
			EncodeLevel:   zapcore.LowercaseLevelEncoder,
			NameKey:       "logger",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339TimeEncoder,
			LineEnding:    zapcore.DefaultLineEnding,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build(zap.Fields(
		zap.String("service", "pseudo-mm-template"),
		zap.Int("pid", os.Getpid()),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// newRunner wires the kernel device client in. A missing pseudo_mm module
// fails the whole run before any job starts.
func newRunner() (*template.Runner, error) {
	device, err := pseudomm.NewClient(config.PseudoMmDevicePath, config.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", template.ErrReservation, err)
	}

	return &template.Runner{
		Reserver:    device,
		Config:      config,
		NewProgress: newProgress,
	}, nil
}

func newProgress(label string, totalBytes uint64) func(bytes int) {
	bar := progressbar.DefaultBytes(int64(totalBytes), fmt.Sprintf("upload %s", label))

	return func(bytes int) {
		_ = bar.Add(bytes)
	}
}
