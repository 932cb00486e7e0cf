// Package detector adapts external named-entity recognisers to a single
// anonymisation call. Every recognised entity is replaced by Tag.
//
// Backends are constructed with a health check; a backend that cannot be
// reached at construction time is an error. Failures at call time are returned
// to the caller, which is expected to fall back to pattern redaction.
package detector

import (
	"context"
	"errors"
)

// Tag replaces every entity span recognised by a backend.
const Tag = "[REDACTED]"

var (
	ErrUnavailable      = errors.New("entity detector unavailable")
	ErrInvalidCacheSize = errors.New("detector cache size must be positive")
)

// Detector replaces recognised entities in text.
type Detector interface {
	Anonymize(ctx context.Context, text string) (string, error)
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, text string) (string, error)

func (f Func) Anonymize(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}
