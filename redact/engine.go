// Package redact removes personally identifying and mortgage-domain sensitive
// values from free text.
//
// Redact runs three passes in a fixed order; RedactField runs the first two:
//  1. entity detection through a detector.Detector, replaced by the pattern
//     library (direct and structural categories) when the detector fails
//  2. the domain pattern pass, regardless of which path step 1 took
//  3. a line pass that drops forwarded-header lines and applies the pattern
//     library once more to every remaining line
package redact

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dhcgn/mail-sanitizer/detector"
)

var ErrNoDetector = errors.New("redaction engine requires an entity detector")

// headerLineRe matches header blocks of forwarded or quoted messages.
var headerLineRe = regexp.MustCompile(`(?i)^[>\s]*(?:(?:from|to|cc|bcc|sent|date|subject|reply-to)[ \t]*:|-*[ \t]*(?:forwarded message|original message|begin forwarded message)\b)`)

// Engine is safe for concurrent use as long as its detector is.
type Engine struct {
	detector   detector.Detector
	library    *Library
	timeout    time.Duration
	logger     *zap.Logger
	onFallback func(error)
}

type Option func(*Engine)

func WithLibrary(l *Library) Option {
	return func(e *Engine) {
		if l != nil {
			e.library = l
		}
	}
}

// WithTimeout bounds every detector call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFallbackHook is called once for every detector failure.
func WithFallbackHook(fn func(error)) Option {
	return func(e *Engine) { e.onFallback = fn }
}

func NewEngine(d detector.Detector, opts ...Option) (*Engine, error) {
	if d == nil {
		return nil, ErrNoDetector
	}

	e := &Engine{
		detector: d,
		timeout:  10 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.library == nil {
		lib, err := NewLibrary(LibraryOptions{})
		if err != nil {
			return nil, err
		}
		e.library = lib
	}
	return e, nil
}

// Redact returns text with every recognised sensitive value replaced by a tag.
func (e *Engine) Redact(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	return e.linePass(e.RedactField(ctx, text))
}

// RedactField redacts a single header-like value. It skips the line pass, so
// values that read like "subject: ..." or "Forwarded message" are kept.
func (e *Engine) RedactField(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	out := e.entityPass(ctx, text)
	return e.library.Apply(out, domainPass...)
}

func (e *Engine) entityPass(ctx context.Context, text string) string {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out, err := e.detector.Anonymize(callCtx, text)
	if err == nil {
		return out
	}

	e.logger.Warn("entity detection failed, using pattern fallback", zap.Int("chars", len(text)), zap.Error(err))
	if e.onFallback != nil {
		e.onFallback(err)
	}
	return e.library.Apply(text, fallbackPass...)
}

func (e *Engine) linePass(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if headerLineRe.MatchString(line) {
			continue
		}
		kept = append(kept, e.library.Apply(line, domainPass...))
	}
	return strings.Join(kept, "\n")
}
