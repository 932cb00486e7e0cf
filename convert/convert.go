// Package convert turns one source container into processed, redacted
// messages. Messages of one source are handled strictly in order.
package convert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dhcgn/mail-sanitizer/batch"
	"github.com/dhcgn/mail-sanitizer/filter"
	"github.com/dhcgn/mail-sanitizer/mbox"
	"github.com/dhcgn/mail-sanitizer/model"
	"github.com/dhcgn/mail-sanitizer/redact"
	"github.com/dhcgn/mail-sanitizer/stats"
	"github.com/dhcgn/mail-sanitizer/thread"
)

// ErrNothingConverted means every message of a source failed to parse. The
// source is treated as failed so a later run tries it again.
var ErrNothingConverted = errors.New("no message could be converted")

type Converter struct {
	resolver *thread.Resolver
	engine   *redact.Engine
	filter   *filter.Filter
	logger   *zap.Logger
	emit     func(stats.Event)
}

type Option func(*Converter)

func WithFilter(f *filter.Filter) Option {
	return func(c *Converter) { c.filter = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Converter) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEvents receives one event per scanned, filtered, failed and processed
// message.
func WithEvents(fn func(stats.Event)) Option {
	return func(c *Converter) {
		if fn != nil {
			c.emit = fn
		}
	}
}

func New(resolver *thread.Resolver, engine *redact.Engine, opts ...Option) (*Converter, error) {
	if resolver == nil {
		return nil, errors.New("converter requires a role resolver")
	}
	if engine == nil {
		return nil, errors.New("converter requires a redaction engine")
	}
	c := &Converter{
		resolver: resolver,
		engine:   engine,
		logger:   zap.NewNop(),
		emit:     func(stats.Event) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Process derives the structural metadata of raw and redacts every field that
// ends up in the rendered block.
func (c *Converter) Process(ctx context.Context, index int, raw model.RawMessage) model.ProcessedMessage {
	role := c.resolver.ClassifyRole(raw.From, raw.To)
	isReply := thread.IsReply(raw.InReplyTo, raw.Subject)

	subject := c.engine.RedactField(ctx, raw.Subject)
	from := c.engine.RedactField(ctx, raw.From)
	to := c.engine.RedactField(ctx, raw.To)
	body := c.engine.Redact(ctx, raw.Body)

	// Subject keys join words with "_", which hides digits from the numeric
	// patterns, so they are built from the already redacted subject.
	threadID := thread.DeriveID(raw.MessageID, raw.InReplyTo, raw.References, subject)
	redactedThreadID := c.engine.RedactField(ctx, threadID)

	return model.ProcessedMessage{
		Index:      index,
		Subject:    subject,
		From:       from,
		To:         to,
		Role:       role,
		ThreadID:   threadID,
		IsReply:    isReply,
		MessageID:  raw.MessageID,
		InReplyTo:  raw.InReplyTo,
		References: raw.References,
		Content:    batch.FormatMessage(index, subject, from, to, redactedThreadID, role, isReply, body),
	}
}

// ConvertFile streams src and returns its processed messages in source order.
// Unparsable messages are skipped. An unreadable container yields an error and
// no messages.
func (c *Converter) ConvertFile(ctx context.Context, src model.Source) ([]model.ProcessedMessage, error) {
	name := filepath.Base(src.Path)
	reader, err := mbox.NewReader(mbox.Options{Source: src, Filter: c.filter}, c.logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan model.Envelope, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		errCh <- reader.Stream(ctx, out)
	}()

	var (
		processed []model.ProcessedMessage
		failed    int
	)
	for env := range out {
		if ctx.Err() != nil {
			continue
		}
		c.emit(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeScanned, Source: name, Index: env.Index})

		switch {
		case env.Filtered:
			c.emit(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeFiltered, Source: name, Index: env.Index})
		case env.Err != nil:
			failed++
			c.emit(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeError, Source: name, Index: env.Index, Err: env.Err})
		default:
			processed = append(processed, c.Process(ctx, env.Index, env.Message))
			c.emit(stats.Event{Stage: stats.StageRedact, Type: stats.EventTypeProcessed, Source: name, Index: env.Index})
		}
	}

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("convert %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(processed) == 0 && failed > 0 {
		return nil, fmt.Errorf("convert %s: %w (%d unparsable)", name, ErrNothingConverted, failed)
	}

	fields := []zap.Field{zap.String("source", name), zap.Int("messages", len(processed))}
	if c.filter != nil && c.filter.Active() {
		checked, rejected := c.filter.Stats()
		fields = append(fields, zap.Int64("filterChecked", checked), zap.Int64("filterRejected", rejected))
	}
	c.logger.Info("source converted", fields...)
	return processed, nil
}
