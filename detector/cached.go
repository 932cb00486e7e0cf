package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached memoises successful results of another Detector. Mailboxes repeat
// the same signatures, quoted replies and address lines many times.
type Cached struct {
	inner Detector
	cache *lru.Cache[string, string]
}

func NewCached(inner Detector, size int) (*Cached, error) {
	if size <= 0 {
		return nil, ErrInvalidCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Anonymize(ctx context.Context, text string) (string, error) {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])

	if out, ok := c.cache.Get(key); ok {
		return out, nil
	}

	out, err := c.inner.Anonymize(ctx, text)
	if err != nil {
		return "", err
	}
	c.cache.Add(key, out)
	return out, nil
}

// Len reports the number of cached results.
func (c *Cached) Len() int {
	return c.cache.Len()
}

var _ Detector = (*Cached)(nil)
