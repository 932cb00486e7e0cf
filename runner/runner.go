package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mail-sanitizer/batch"
	"github.com/dhcgn/mail-sanitizer/config"
	"github.com/dhcgn/mail-sanitizer/model"
	"github.com/dhcgn/mail-sanitizer/state"
	"github.com/dhcgn/mail-sanitizer/stats"
)

type Converter interface {
	ConvertFile(ctx context.Context, src model.Source) ([]model.ProcessedMessage, error)
}

type BatchWriter interface {
	Write(src model.Source, msgs []model.ProcessedMessage) ([]batch.Result, error)
}

// Runner converts source files in parallel, one goroutine per file up to the
// configured worker count. Messages inside one file are never split across
// goroutines. Every subscriber receives every event.
type Runner struct {
	cfg    config.Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	tracker state.Tracker

	subMu       sync.Mutex
	subscribers []chan stats.Event
	statsWG     sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
}

func New(parent context.Context, cfg config.Config, tracker state.Tracker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		tracker: tracker,
	}
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subscribers
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats must be called before Run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 256)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// Run converts every source. Per-file failures are logged and counted; the
// returned error is reserved for cancellation and subscriber failures.
func (r *Runner) Run(sources []model.Source, conv Converter, writer BatchWriter) error {
	since := time.Now()

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(r.ctx)
	g.SetLimit(workers)
	for _, src := range sources {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.processFile(gctx, src, conv, writer)
			return nil
		})
	}
	_ = g.Wait()

	if err := r.ctx.Err(); err != nil {
		r.fail(err)
	}
	r.closeEvents()
	r.statsWG.Wait()
	r.cancel()

	duration := time.Since(since)
	if err := r.firstErr(); err != nil {
		r.logger.Error("pipeline failed", zap.Duration("duration", duration), zap.Error(err))
		return err
	}
	r.logger.Info("pipeline completed", zap.Int("files", len(sources)), zap.Duration("duration", duration))
	return nil
}

func (r *Runner) processFile(ctx context.Context, src model.Source, conv Converter, writer BatchWriter) {
	name := filepath.Base(src.Path)
	log := r.logger.With(zap.String("source", name))

	failFile := func(stage stats.Stage, err error) {
		log.Error("source failed", zap.Error(err))
		r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeFileFailed, Source: name, Err: err})
	}

	hash, err := state.HashFile(src.Path)
	if err != nil {
		failFile(stats.StageFile, err)
		return
	}
	if !r.cfg.Force && r.tracker.AlreadyProcessed(hash) {
		log.Info("source already converted, skipping")
		r.EmitEvent(stats.Event{Stage: stats.StageFile, Type: stats.EventTypeFileSkipped, Source: name})
		return
	}

	msgs, err := conv.ConvertFile(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		failFile(stats.StageParse, err)
		return
	}

	rec := state.Record{Hash: hash, Source: name, Messages: len(msgs)}
	if len(msgs) == 0 {
		log.Warn("no messages extracted")
	} else {
		results, err := writer.Write(src, msgs)
		if err != nil {
			failFile(stats.StageWrite, err)
			return
		}
		failed := 0
		for _, res := range results {
			evt := stats.Event{Stage: stats.StageWrite, Type: stats.EventTypeBatchWritten, Source: name, Index: res.Number, Err: res.Err}
			if res.Err != nil {
				evt.Type = stats.EventTypeBatchFailed
				failed++
			}
			r.EmitEvent(evt)
		}
		if failed > 0 {
			failFile(stats.StageWrite, fmt.Errorf("%d of %d batches failed", failed, len(results)))
			return
		}
		rec.Batches = len(results)
	}

	if err := r.tracker.MarkProcessed(rec); err != nil {
		log.Warn("could not record converted source", zap.Error(err))
	}
	r.EmitEvent(stats.Event{Stage: stats.StageFile, Type: stats.EventTypeFileDone, Source: name})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}
