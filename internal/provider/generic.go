package provider

import (
	"context"

	"github.com/annexdb/annex/internal/errors"
)

// EmbedFunc is an arbitrary embedding function.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// GenericProvider wraps a caller-supplied embedding function with a declared
// dimension. Used for inline providers passed in index creation options.
type GenericProvider struct {
	name string
	dim  int
	fn   EmbedFunc
}

// Verify interface implementation at compile time
var _ Provider = (*GenericProvider)(nil)

// NewGenericProvider creates a provider from an embedding function.
func NewGenericProvider(name string, dimension int, fn EmbedFunc) *GenericProvider {
	return &GenericProvider{name: name, dim: dimension, fn: fn}
}

// Embed calls the wrapped function and validates the declared dimension.
func (g *GenericProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := g.fn(ctx, text)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}
	if len(vec) != g.dim {
		return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
			"provider %q returned %d dimensions, declared %d", g.name, len(vec), g.dim)
	}
	return vec, nil
}

// Dimension returns the declared embedding dimension.
func (g *GenericProvider) Dimension() int { return g.dim }

// Name returns the model identifier.
func (g *GenericProvider) Name() string { return g.name }

// Type returns the provider type tag.
func (g *GenericProvider) Type() Type { return TypeGeneric }
