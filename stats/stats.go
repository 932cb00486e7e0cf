package stats

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Stage string

const (
	StageParse  Stage = "parse"
	StageRedact Stage = "redact"
	StageWrite  Stage = "write"
	StageFile   Stage = "file"
)

type EventType string

const (
	EventTypeScanned          EventType = "scanned"
	EventTypeProcessed        EventType = "processed"
	EventTypeFiltered         EventType = "filtered"
	EventTypeError            EventType = "error"
	EventTypeDetectorFallback EventType = "detector_fallback"
	EventTypeBatchWritten     EventType = "batch_written"
	EventTypeBatchFailed      EventType = "batch_failed"
	EventTypeFileSkipped      EventType = "file_skipped"
	EventTypeFileFailed       EventType = "file_failed"
	EventTypeFileDone         EventType = "file_done"
)

// Event never carries message content. Index is the message position in its
// source, or the batch number for batch events.
type Event struct {
	Stage  Stage
	Type   EventType
	Source string
	Index  int
	Err    error
	Detail string
}

type Summary struct {
	Scanned        int
	Processed      int
	Filtered       int
	Errors         int
	Fallbacks      int
	BatchesWritten int
	BatchesFailed  int
	FilesDone      int
	FilesSkipped   int
	FilesFailed    int
	LastError      error
}

func (s Summary) LogFields() []zap.Field {
	fields := []zap.Field{
		zap.Int("scanned", s.Scanned),
		zap.Int("processed", s.Processed),
		zap.Int("filtered", s.Filtered),
		zap.Int("errors", s.Errors),
		zap.Int("detectorFallbacks", s.Fallbacks),
		zap.Int("batchesWritten", s.BatchesWritten),
		zap.Int("batchesFailed", s.BatchesFailed),
		zap.Int("filesDone", s.FilesDone),
		zap.Int("filesSkipped", s.FilesSkipped),
		zap.Int("filesFailed", s.FilesFailed),
	}
	if s.LastError != nil {
		fields = append(fields, zap.String("lastError", s.LastError.Error()))
	}
	return fields
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeProcessed:
		c.summary.Processed++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeError:
		c.summary.Errors++
	case EventTypeDetectorFallback:
		c.summary.Fallbacks++
	case EventTypeBatchWritten:
		c.summary.BatchesWritten++
	case EventTypeBatchFailed:
		c.summary.BatchesFailed++
	case EventTypeFileDone:
		c.summary.FilesDone++
	case EventTypeFileSkipped:
		c.summary.FilesSkipped++
	case EventTypeFileFailed:
		c.summary.FilesFailed++
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *zap.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	fields := append(summary.LogFields(), zap.Duration("duration", time.Since(r.started)))
	if ctx.Err() != nil {
		r.logger.Debug("stats collection stopped", append(fields, zap.Error(ctx.Err()))...)
		return ctx.Err()
	}
	r.logger.Info("stats summary", fields...)
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is one key of a frequency table.
type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, ties broken by key.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}

func PrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
