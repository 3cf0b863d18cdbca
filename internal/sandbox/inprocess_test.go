package sandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annexdb/annex/internal/errors"
)

func newTestSandbox(t *testing.T, dim int) *InProcess {
	t.Helper()
	s := NewInProcess()
	t.Cleanup(s.Destroy)
	require.NoError(t, s.Initialize(context.Background(), InitOptions{ID: "test", Dimension: dim}))
	return s
}

func TestInProcess_AddAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 3)

	// Given: three documents along different axes
	docs := []Document{
		{ID: "x", Vector: []float32{1, 0, 0}, Text: "x axis"},
		{ID: "y", Vector: []float32{0, 1, 0}, Text: "y axis"},
		{ID: "z", Vector: []float32{0, 0, 1}, Text: "z axis"},
	}
	require.NoError(t, s.AddDocuments(ctx, docs))

	// When: querying near the x axis
	results, err := s.Query(ctx, []float32{0.9, 0.1, 0}, QueryOptions{K: 2})
	require.NoError(t, err)

	// Then: the x document ranks first with the highest score
	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].ID)
	assert.Equal(t, "x axis", results[0].Text)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.GreaterOrEqual(t, results[0].Score, float32(0))
	assert.LessOrEqual(t, results[0].Score, float32(1))
}

func TestInProcess_QueryDefaultsToAll(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 2)

	require.NoError(t, s.AddDocuments(ctx, []Document{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	}))

	results, err := s.Query(ctx, []float32{1, 0}, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 2, "K=0 must return every stored document")
}

func TestInProcess_QueryThreshold(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 2)

	require.NoError(t, s.AddDocuments(ctx, []Document{
		{ID: "near", Vector: []float32{1, 0}},
		{ID: "far", Vector: []float32{-1, 0}},
	}))

	threshold := float32(0.9)
	results, err := s.Query(ctx, []float32{1, 0}, QueryOptions{Threshold: &threshold})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].ID)
}

func TestInProcess_QueryMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 2)

	require.NoError(t, s.AddDocuments(ctx, []Document{
		{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]any{"lang": "go"}},
	}))

	results, err := s.Query(ctx, []float32{1, 0}, QueryOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Metadata, "metadata omitted unless requested")

	results, err = s.Query(ctx, []float32{1, 0}, QueryOptions{K: 1, IncludeMetadata: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "go", results[0].Metadata["lang"])
}

func TestInProcess_QueryEmptyIndex(t *testing.T) {
	s := newTestSandbox(t, 2)

	results, err := s.Query(context.Background(), []float32{1, 0}, QueryOptions{K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestInProcess_DuplicateBatchRejectedAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 2)

	// Given: a batch with an internal duplicate id
	err := s.AddDocuments(ctx, []Document{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "a", Vector: []float32{0, 1}},
	})

	// Then: the whole batch is rejected and nothing was stored
	require.Error(t, err)
	docs, getErr := s.GetDocuments(ctx)
	require.NoError(t, getErr)
	assert.Empty(t, docs)
}

func TestInProcess_DuplicateAgainstStoredRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 2)

	require.NoError(t, s.AddDocuments(ctx, []Document{{ID: "a", Vector: []float32{1, 0}}}))

	err := s.AddDocuments(ctx, []Document{
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "a", Vector: []float32{1, 1}},
	})
	require.Error(t, err)

	docs, getErr := s.GetDocuments(ctx)
	require.NoError(t, getErr)
	require.Len(t, docs, 1, "the failed batch must not have stored b")
	assert.Equal(t, "a", docs[0].ID)
}

func TestInProcess_DimensionFixedByFirstDocument(t *testing.T) {
	ctx := context.Background()
	s := NewInProcess()
	t.Cleanup(s.Destroy)
	require.NoError(t, s.Initialize(ctx, InitOptions{ID: "lazy"}))

	require.NoError(t, s.AddDocuments(ctx, []Document{{ID: "a", Vector: []float32{1, 0, 0}}}))

	err := s.AddDocuments(ctx, []Document{{ID: "b", Vector: []float32{1, 0}}})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDimensionMismatch))

	_, err = s.Query(ctx, []float32{1, 0}, QueryOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDimensionMismatch))
}

func TestInProcess_RemoveReturnsActualCount(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 2)

	require.NoError(t, s.AddDocuments(ctx, []Document{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	}))

	// When: removing one stored id and one unknown id
	removed, err := s.RemoveDocuments(ctx, []string{"a", "ghost"})
	require.NoError(t, err)

	// Then: only the stored one counts
	assert.Equal(t, 1, removed)

	docs, err := s.GetDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].ID)

	// And: removed documents no longer surface in queries
	results, err := s.Query(ctx, []float32{1, 0}, QueryOptions{})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestInProcess_GetDocumentsPreservesOrderAndVectors(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 3)

	// Original vectors are deliberately unnormalized.
	in := []Document{
		{ID: "first", Vector: []float32{3, 4, 0}, Text: "one"},
		{ID: "second", Vector: []float32{0.5, -2.25, 7}, Text: "two"},
	}
	require.NoError(t, s.AddDocuments(ctx, in))

	out, err := s.GetDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Insertion order and bit-exact vectors survive.
	assert.Equal(t, "first", out[0].ID)
	assert.Equal(t, "second", out[1].ID)
	assert.Equal(t, []float32{3, 4, 0}, out[0].Vector)
	assert.Equal(t, []float32{0.5, -2.25, 7}, out[1].Vector)
}

func TestInProcess_RequiresInitialize(t *testing.T) {
	ctx := context.Background()
	s := NewInProcess()
	t.Cleanup(s.Destroy)

	err := s.AddDocuments(ctx, []Document{{ID: "a", Vector: []float32{1}}})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSandboxFailed))

	_, err = s.Query(ctx, []float32{1}, QueryOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSandboxFailed))
}

func TestInProcess_DoubleInitializeRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 2)

	err := s.Initialize(ctx, InitOptions{ID: "again"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSandboxFailed))
}

func TestInProcess_DestroyIsIdempotentAndFailsFast(t *testing.T) {
	s := newTestSandbox(t, 2)

	s.Destroy()
	s.Destroy()

	err := s.AddDocuments(context.Background(), []Document{{ID: "a", Vector: []float32{1, 0}}})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSandboxFailed))
}

func TestInProcess_ConcurrentDestroy(t *testing.T) {
	s := newTestSandbox(t, 2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Destroy()
		}()
	}
	wg.Wait()
}

func TestInProcess_ContextCancellation(t *testing.T) {
	s := newTestSandbox(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Query(ctx, []float32{1, 0}, QueryOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTimeout))

	// The sandbox itself stays usable after the caller gave up.
	require.NoError(t, s.AddDocuments(context.Background(),
		[]Document{{ID: "a", Vector: []float32{1, 0}}}))
}

func TestInProcess_SerializedUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, 2)

	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errCh <- s.AddDocuments(ctx, []Document{
				{ID: fmt.Sprintf("doc-%d", i), Vector: []float32{float32(i), 1}},
			})
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	docs, err := s.GetDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, n)
}
