package progress

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/dhcgn/mail-sanitizer/stats"
)

// Bar tracks converted source files.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar over total source files. It only renders when
// enabled is set and logLevel is "info", so it never fights debug output.
func New(total int, logLevel string, enabled bool) *Bar {
	bar := &Bar{
		total:   total,
		enabled: enabled && logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Sanitizing sources").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Source files found: %d\n", total)
		pterm.Println()
	}

	return bar
}

// Update advances the bar once per finished source file.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFileDone, stats.EventTypeFileSkipped, stats.EventTypeFileFailed:
		b.done++
	default:
		return
	}

	if !b.enabled || b.pb == nil {
		return
	}
	if evt.Type == stats.EventTypeFileFailed && evt.Err != nil {
		pterm.Error.Printf("%s: %v\n", evt.Source, evt.Err)
	}
	b.pb.UpdateTitle(shorten("Finished: "+evt.Source, 48))
	b.pb.Increment()
}

// Done reports how many source files have finished in any way.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	pterm.Success.Println("Sanitizing complete!")
}

// Subscriber feeds pipeline events into the bar until the stream closes.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

func shorten(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

// Reporter prints a pterm summary table once the event stream closes.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *zap.Logger
	started   time.Time
}

// NewReporter subscribes the bar and a summary collector to stream. Nothing is
// subscribed when the bar is disabled.
func NewReporter(stream stats.EventStream, bar *Bar, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-summary", reporter.printSummary)
	}

	return reporter
}

func (r *Reporter) printSummary(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	r.logger.Debug("progress summary collected", summary.LogFields()...)

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Metric", "Count"},
		{"Messages scanned", strconv.Itoa(summary.Scanned)},
		{"Messages sanitized", strconv.Itoa(summary.Processed)},
		{"Messages filtered", strconv.Itoa(summary.Filtered)},
		{"Message errors", strconv.Itoa(summary.Errors)},
		{"Detector fallbacks", strconv.Itoa(summary.Fallbacks)},
		{"Batches written", strconv.Itoa(summary.BatchesWritten)},
		{"Batches failed", strconv.Itoa(summary.BatchesFailed)},
		{"Files done", strconv.Itoa(summary.FilesDone)},
		{"Files skipped", strconv.Itoa(summary.FilesSkipped)},
		{"Files failed", strconv.Itoa(summary.FilesFailed)},
	}).Render()
	pterm.Info.Printf("Duration: %v\n", time.Since(r.started).Round(time.Millisecond))
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	return nil
}

func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}
