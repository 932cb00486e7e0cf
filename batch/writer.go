package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dhcgn/mail-sanitizer/model"
)

var ErrNameCollision = errors.New("output name already written by another source")

type Options struct {
	OutputDir string
	Size      int
	// DryRun renders every batch but writes nothing.
	DryRun bool
}

// Result describes one attempted batch.
type Result struct {
	Number   int
	Path     string
	Messages int
	Bytes    int
	Err      error
}

// Writer persists batches. One Writer may be shared by concurrent file
// conversions; it refuses to let two sources claim the same output name.
type Writer struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	claims map[string]string
}

func NewWriter(opts Options, logger *zap.Logger) (*Writer, error) {
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if !opts.DryRun {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{opts: opts, logger: logger, claims: make(map[string]string)}, nil
}

// Write partitions msgs and writes every batch. A failed batch is logged and
// reported in its Result; later batches are still attempted.
func (w *Writer) Write(src model.Source, msgs []model.ProcessedMessage) ([]Result, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}

	name := filepath.Base(src.Path)
	log := w.logger.With(zap.String("source", name))

	if src.Kind == model.SourceEML {
		content := msgs[0].Content
		for _, m := range msgs[1:] {
			content += "\n\n" + m.Content
		}
		res := w.writeOne(src, 1, len(msgs), content)
		w.logResult(log, res)
		return []Result{res}, nil
	}

	batches := Partition(msgs, w.opts.Size)
	results := make([]Result, 0, len(batches))
	for _, b := range batches {
		res := w.writeOne(src, b.Number, len(b.Messages), Render(b, name))
		w.logResult(log, res)
		results = append(results, res)
	}
	return results, nil
}

func (w *Writer) logResult(log *zap.Logger, res Result) {
	if res.Err != nil {
		log.Error("batch write failed", zap.Int("batch", res.Number), zap.Error(res.Err))
		return
	}
	log.Info("batch written",
		zap.Int("batch", res.Number),
		zap.Int("messages", res.Messages),
		zap.String("path", res.Path),
		zap.Bool("dry_run", w.opts.DryRun),
	)
}

func (w *Writer) writeOne(src model.Source, number, count int, content string) Result {
	path := filepath.Join(w.opts.OutputDir, FileName(src, number))
	res := Result{Number: number, Path: path, Messages: count, Bytes: len(content)}

	if err := w.claim(path, src.Path); err != nil {
		res.Err = err
		return res
	}
	if w.opts.DryRun {
		return res
	}
	res.Err = writeFileAtomic(path, []byte(content))
	return res
}

func (w *Writer) claim(path, source string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if owner, ok := w.claims[path]; ok && owner != source {
		return fmt.Errorf("%w: %s (%s)", ErrNameCollision, filepath.Base(path), filepath.Base(owner))
	}
	w.claims[path] = source
	return nil
}

// writeFileAtomic writes to a temp file in the target directory and renames it
// into place, so readers never see a partial batch.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
