package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"go.uber.org/zap"

	"github.com/dhcgn/mail-sanitizer/filter"
	"github.com/dhcgn/mail-sanitizer/model"
)

var ErrUnsupportedSource = errors.New("unsupported source kind")

type Options struct {
	Source model.Source
	// Filter is optional; nil lets every message through.
	Filter *filter.Filter
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *zap.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Source.Path)
	if path == "" {
		return nil, fmt.Errorf("source path is empty")
	}
	switch opts.Source.Kind {
	case model.SourceMbox, model.SourceEML:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, opts.Source.Kind)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &fileReader{
		source: model.Source{Path: path, Kind: opts.Source.Kind},
		filter: opts.Filter,
		logger: logger.With(zap.String("source", filepath.Base(path))),
	}, nil
}

type fileReader struct {
	source model.Source
	filter *filter.Filter
	logger *zap.Logger
}

// Stream sends one envelope per message in source order. It returns an error
// only when the container itself cannot be read; per-message failures travel
// in Envelope.Err.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(f.source.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.source.Kind, err)
	}
	defer file.Close()

	if f.source.Kind == model.SourceEML {
		raw, err := io.ReadAll(file)
		if err != nil {
			return fmt.Errorf("read eml: %w", err)
		}
		return f.emitRaw(ctx, out, 0, raw)
	}

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if err := f.emitRaw(ctx, out, idx, raw); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitRaw(ctx context.Context, out chan<- model.Envelope, idx int, raw []byte) error {
	if f.filter != nil {
		header, body := filter.SplitRawMessage(raw)
		if v := f.filter.Evaluate(header, body); !v.Allowed {
			f.logger.Debug("message filtered", zap.Int("index", idx), zap.String("rule", v.Rule))
			return f.emitEnvelope(ctx, out, model.Envelope{Index: idx, Filtered: true})
		}
	}

	msg, err := ParseMessage(bytes.NewReader(raw))
	if err != nil {
		return f.emitError(ctx, out, idx, fmt.Errorf("message %d parse: %w", idx, err))
	}
	return f.emitEnvelope(ctx, out, model.Envelope{Index: idx, Message: msg})
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, idx int, err error) error {
	f.logger.Warn("skipping unparsable message", zap.Int("index", idx), zap.Error(err))
	return f.emitEnvelope(ctx, out, model.Envelope{Index: idx, Err: err})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Discover lists the mbox and eml files directly under dir, sorted by name.
func Discover(dir string) ([]model.Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}

	var sources []model.Source
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		kind, ok := KindOf(entry.Name())
		if !ok {
			continue
		}
		sources = append(sources, model.Source{Path: filepath.Join(dir, entry.Name()), Kind: kind})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Path < sources[j].Path })
	return sources, nil
}

// KindOf maps a file name to its container kind by extension.
func KindOf(name string) (model.SourceKind, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mbox":
		return model.SourceMbox, true
	case ".eml":
		return model.SourceEML, true
	}
	return "", false
}

// CountMessages counts the messages in a source without parsing them.
func CountMessages(src model.Source) (int, error) {
	if src.Kind == model.SourceEML {
		return 1, nil
	}

	file, err := os.Open(src.Path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		// An unreadable message still counts.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
