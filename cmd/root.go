package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dhcgn/mail-sanitizer/batch"
	"github.com/dhcgn/mail-sanitizer/config"
	"github.com/dhcgn/mail-sanitizer/mbox"
	"github.com/dhcgn/mail-sanitizer/metrics"
	"github.com/dhcgn/mail-sanitizer/progress"
	"github.com/dhcgn/mail-sanitizer/runner"
	"github.com/dhcgn/mail-sanitizer/state"
	"github.com/dhcgn/mail-sanitizer/stats"
)

var rootCmd = &cobra.Command{
	Use:           "mail-sanitizer",
	Short:         "Convert mbox and eml archives into redacted, thread-aware text batches",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
			_ = cleanup()
		}()

		logger.Info("starting mail-sanitizer",
			zap.String("source", cfg.SourceDir),
			zap.String("output", cfg.OutputDir),
			zap.String("detector", cfg.Detector.Backend),
			zap.Bool("dryRun", cfg.DryRun),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func init() {
	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	sources, err := mbox.Discover(cfg.SourceDir)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		logger.Warn("no mbox or eml files found", zap.String("dir", cfg.SourceDir))
		return nil
	}

	tracker, err := state.NewBoltTracker(cfg.StateDir, state.NewRunID(), !cfg.DryRun)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("closing state ledger", zap.Error(err))
		}
	}()
	logger.Debug("state ledger loaded", zap.Int("converted", tracker.Snapshot().Processed), zap.String("run", tracker.Snapshot().RunID))

	r := runner.New(ctx, cfg, tracker, logger)

	conv, err := newConverter(r.Context(), cfg, logger, r.EmitEvent)
	if err != nil {
		return err
	}
	writer, err := batch.NewWriter(batch.Options{
		OutputDir: outputDir(cfg),
		Size:      cfg.BatchSize,
		DryRun:    cfg.DryRun,
	}, logger)
	if err != nil {
		return fmt.Errorf("batch.NewWriter: %w", err)
	}

	stats.NewReporter(r, logger)
	exporter := metrics.New()
	if cfg.MetricsFile != "" {
		r.SubscribeStats("metrics", exporter.Consume)
	}
	bar := progress.New(len(sources), cfg.LogLevel, cfg.Progress)
	progress.NewReporter(r, bar, logger)

	runErr := r.Run(sources, conv, writer)

	if cfg.MetricsFile != "" {
		if err := exporter.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("metrics not written", zap.Error(err))
		} else {
			logger.Debug("metrics written", zap.String("path", cfg.MetricsFile))
		}
	}
	return runErr
}

// outputDir keeps batch.NewWriter happy on dry runs without an output dir.
func outputDir(cfg config.Config) string {
	if cfg.OutputDir == "" && cfg.DryRun {
		return os.TempDir()
	}
	return cfg.OutputDir
}

func setupLogger(cfg config.Config) (*zap.Logger, func() error, error) {
	cleanup := func() error { return nil }

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, cleanup, fmt.Errorf("parse log level: %w", err)
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	console := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stdout), level)

	if cfg.LogDir == "" {
		return zap.New(console), cleanup, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, cleanup, err
	}
	logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("sanitize-%s.log", time.Now().Format("20060102T150405")))
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, err
	}
	cleanup = file.Close

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(file), level)
	return zap.New(zapcore.NewTee(console, fileCore)), cleanup, nil
}
