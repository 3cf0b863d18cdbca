package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of embeddings to keep.
// At 384 dimensions * 4 bytes * 1000 entries that is ~1.5MB of memory.
const DefaultCacheSize = 1000

// CachedProvider wraps a Provider with LRU caching so repeated texts do not
// hit the underlying provider again. Most useful in front of RemoteProvider,
// where each miss is a network round-trip.
type CachedProvider struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

// Verify interface implementation at compile time
var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider creates a cached provider wrapping inner.
func NewCachedProvider(inner Provider, cacheSize int) *CachedProvider {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedProvider{inner: inner, cache: cache}
}

// cacheKey hashes text together with the model name so two providers
// sharing a cache size never collide on identical text.
func (c *CachedProvider) cacheKey(text string) string {
	combined := text + "\x00" + c.inner.Name()
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Embed returns the cached embedding if present, otherwise computes and caches.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)

	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, vec)
	return vec, nil
}

// Dimension returns the embedding dimension (passthrough to inner).
func (c *CachedProvider) Dimension() int { return c.inner.Dimension() }

// Name returns the model identifier (passthrough to inner).
func (c *CachedProvider) Name() string { return c.inner.Name() }

// Type returns the provider type tag (passthrough to inner).
func (c *CachedProvider) Type() Type { return c.inner.Type() }

// Inner returns the underlying provider.
func (c *CachedProvider) Inner() Provider { return c.inner }
