package provider

import (
	"context"
	"math"
	"strings"
)

const (
	// MockDimension is the embedding dimension of the mock provider.
	MockDimension = 384

	// MockModelName is the sentinel embedding-model name that selects the
	// mock provider during embedding resolution.
	MockModelName = "mock-model"
)

// MockProvider generates embeddings using a hash-based scatter approach.
// It is pure and deterministic: the same text always produces the same
// vector, across calls and across process restarts, and distinct inputs
// produce distinct vectors. Intended for tests; no semantic quality.
type MockProvider struct{}

// Verify interface implementation at compile time
var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates the deterministic mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Embed generates the embedding for a single text.
func (m *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	return MockVector(text), nil
}

// Dimension returns the embedding dimension.
func (m *MockProvider) Dimension() int { return MockDimension }

// Name returns the model identifier.
func (m *MockProvider) Name() string { return MockModelName }

// Type returns the provider type tag.
func (m *MockProvider) Type() Type { return TypeMock }

// MockVector computes the deterministic mock embedding:
// a rolling hash of the text seeds per-character scatter across the slots,
// a low-amplitude sinusoid keyed by the seed breaks ties between sparse
// inputs, and the result is L2-normalized.
func MockVector(text string) []float32 {
	vector := make([]float32, MockDimension)

	seed := rollingHash(text)

	words := strings.Fields(strings.ToLower(text))
	for wordIdx, word := range words {
		charIdx := 0
		for _, r := range word {
			slot := (int(r) + wordIdx*37 + charIdx*13 + seed) % MockDimension
			vector[slot] += 1.0 / float32(wordIdx+1)
			charIdx++
		}
	}

	// Sinusoidal perturbation keyed by the seed. The amplitude is small
	// enough not to dominate the word contributions, but guarantees a
	// nonzero vector even for empty input.
	for i := range vector {
		vector[i] += 0.05 * float32(math.Sin(float64(seed%97)+float64(i)*0.1))
	}

	return normalizeVector(vector)
}

// rollingHash derives a small non-negative seed from the text.
func rollingHash(text string) int {
	h := 0
	for _, r := range text {
		h = (h*31 + int(r)) % 100003
	}
	if h < 0 {
		h = -h
	}
	return h
}
