package stats

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeStream struct {
	events chan Event
	done   chan error
}

func (f *fakeStream) SubscribeStats(_ string, fn func(context.Context, <-chan Event) error) {
	go func() { f.done <- fn(context.Background(), f.events) }()
}

func TestCollectorApply(t *testing.T) {
	c := NewCollector()
	boom := errors.New("boom")
	for _, typ := range []EventType{
		EventTypeScanned, EventTypeScanned, EventTypeScanned,
		EventTypeProcessed, EventTypeFiltered, EventTypeDetectorFallback,
		EventTypeBatchWritten, EventTypeBatchFailed,
		EventTypeFileDone, EventTypeFileSkipped, EventTypeFileFailed,
	} {
		c.Apply(Event{Type: typ})
	}
	c.Apply(Event{Type: EventTypeError, Err: boom})

	s := c.Snapshot()
	assert.Equal(t, 3, s.Scanned)
	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 1, s.Filtered)
	assert.Equal(t, 1, s.Fallbacks)
	assert.Equal(t, 1, s.BatchesWritten)
	assert.Equal(t, 1, s.BatchesFailed)
	assert.Equal(t, 1, s.FilesDone)
	assert.Equal(t, 1, s.FilesSkipped)
	assert.Equal(t, 1, s.FilesFailed)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, boom, s.LastError)
}

func TestReporterLogsSummary(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	stream := &fakeStream{events: make(chan Event, 4), done: make(chan error, 1)}
	r := NewReporter(stream, zap.New(core))

	stream.events <- Event{Type: EventTypeScanned}
	stream.events <- Event{Type: EventTypeProcessed}
	close(stream.events)
	require.NoError(t, <-stream.done)

	assert.Equal(t, 1, r.Summary().Processed)
	entries := logs.FilterMessage("stats summary").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].ContextMap()["scanned"])
}

func TestPrintTop(t *testing.T) {
	var buf bytes.Buffer
	PrintTop(&buf, map[string]int{"[EMAIL]": 4, "[PHONE]": 9, "[CITY]": 4, "[DATE]": 1}, 3)
	assert.Equal(t, "1. [PHONE] (9)\n2. [CITY] (4)\n3. [EMAIL] (4)\n", buf.String())
}

func TestTop(t *testing.T) {
	counts := map[string]int{"b": 2, "a": 2, "c": 5}
	assert.Equal(t, []Count{{"c", 5}, {"a", 2}}, Top(counts, 2))
	assert.Len(t, Top(counts, -1), 3)
	assert.Empty(t, Top(nil, 3))
}
