package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dhcgn/mail-sanitizer/config"
	"github.com/dhcgn/mail-sanitizer/convert"
	"github.com/dhcgn/mail-sanitizer/detector"
	"github.com/dhcgn/mail-sanitizer/filter"
	"github.com/dhcgn/mail-sanitizer/redact"
	"github.com/dhcgn/mail-sanitizer/stats"
	"github.com/dhcgn/mail-sanitizer/thread"
)

// newConverter builds the filter, detector, redaction engine and role
// resolver described by cfg. Any failure here aborts the command.
func newConverter(ctx context.Context, cfg config.Config, logger *zap.Logger, emit func(stats.Event)) (*convert.Converter, error) {
	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}

	library, err := redact.NewLibrary(redact.LibraryOptions{
		ExtraCities:    cfg.Profile.Cities,
		ExtraJobTitles: cfg.Profile.JobTitles,
	})
	if err != nil {
		return nil, fmt.Errorf("build pattern library: %w", err)
	}

	d, err := newDetector(ctx, cfg.Detector)
	if err != nil {
		return nil, err
	}
	logger.Info("entity detector ready", zap.String("backend", cfg.Detector.Backend), zap.Int("cache", cfg.Detector.CacheSize))

	engine, err := redact.NewEngine(d,
		redact.WithLibrary(library),
		redact.WithTimeout(cfg.Detector.Timeout),
		redact.WithLogger(logger),
		redact.WithFallbackHook(func(err error) {
			emit(stats.Event{Stage: stats.StageRedact, Type: stats.EventTypeDetectorFallback, Err: err})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("redact.NewEngine: %w", err)
	}

	resolver, err := thread.NewResolver(cfg.Profile.Emails)
	if err != nil {
		return nil, err
	}

	return convert.New(resolver, engine,
		convert.WithFilter(f),
		convert.WithLogger(logger),
		convert.WithEvents(emit),
	)
}

func newDetector(ctx context.Context, cfg config.DetectorConfig) (detector.Detector, error) {
	healthCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var (
		d   detector.Detector
		err error
	)
	switch cfg.Backend {
	case config.BackendOllama:
		d, err = detector.NewOllama(healthCtx, detector.OllamaOptions{
			Endpoint:  cfg.OllamaEndpoint,
			Model:     cfg.OllamaModel,
			Threshold: cfg.Threshold,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		})
	default:
		d, err = detector.NewPresidio(healthCtx, detector.PresidioOptions{
			AnalyzerURL:    cfg.PresidioAnalyzerURL,
			AnonymizerURL:  cfg.PresidioAnonymizerURL,
			Language:       cfg.Language,
			ScoreThreshold: cfg.Threshold,
			Timeout:        cfg.Timeout,
			RateLimit:      cfg.RateLimit,
		})
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		cached, err := detector.NewCached(d, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return d, nil
}
