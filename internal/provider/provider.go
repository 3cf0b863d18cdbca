// Package provider defines embedding providers and the process-wide registry
// that live indices reference by name.
package provider

import (
	"context"
	"math"
)

// Type classifies a provider. The type tag is reported by stats and stored
// in offloaded descriptors; it has no behavioral meaning beyond that.
type Type string

const (
	// TypeGeneric wraps an arbitrary embedding function.
	TypeGeneric Type = "generic"
	// TypeRemote calls an HTTP embedding service.
	TypeRemote Type = "remote"
	// TypeMock is the deterministic test provider.
	TypeMock Type = "mock"
)

// Provider generates a fixed-dimension vector embedding for text.
type Provider interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int

	// Name returns the model identifier.
	Name() string

	// Type returns the provider type tag.
	Type() Type
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
