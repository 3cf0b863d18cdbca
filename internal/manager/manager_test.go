package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annexdb/annex/internal/errors"
	"github.com/annexdb/annex/internal/event"
	"github.com/annexdb/annex/internal/provider"
	"github.com/annexdb/annex/internal/sandbox"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		MaxInstances:        10,
		OffloadDir:          t.TempDir(),
		DefaultProviderName: provider.MockModelName,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateIngestQuery(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	// Given: an index in the "ws" namespace
	id, err := m.CreateIndex(ctx, CreateOptions{ID: "a", Namespace: "ws"})
	require.NoError(t, err)
	assert.Equal(t, "ws:a", id)

	// When: ingesting text documents embedded by the mock model
	err = m.AddDocuments(ctx, id, []sandbox.Document{
		{ID: "d1", Text: "machine learning"},
		{ID: "d2", Text: "deep learning"},
	})
	require.NoError(t, err)

	// Then: a text query returns both, ordered by descending score
	results, err := m.Query(ctx, id, QueryRequest{Text: "machine", K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, float32(0))
		assert.LessOrEqual(t, r.Score, float32(1))
	}

	info := m.GetInstance(id)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.DocumentCount)
	assert.Equal(t, provider.MockDimension, info.EmbeddingDimension)
	assert.False(t, info.FromOffload)
}

func TestCreateIndex_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, err := m.CreateIndex(ctx, CreateOptions{ID: "a"})
	require.NoError(t, err)

	_, err = m.CreateIndex(ctx, CreateOptions{ID: "a"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExists))

	_, err = m.CreateIndex(ctx, CreateOptions{ID: "a", Resume: true})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyRunning))
}

func TestCreateIndex_ResumeWithoutDescriptor(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.CreateIndex(context.Background(), CreateOptions{ID: "ghost", Resume: true})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestCreateIndex_Capacity(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(c *Config) { c.MaxInstances = 1 })

	_, err := m.CreateIndex(ctx, CreateOptions{ID: "a"})
	require.NoError(t, err)

	_, err = m.CreateIndex(ctx, CreateOptions{ID: "b"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCapacity))
}

func TestCreateIndex_NamespaceGuard(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(c *Config) { c.AllowedNamespaces = []string{"ws"} })

	_, err := m.CreateIndex(ctx, CreateOptions{ID: "a", Namespace: "ws"})
	require.NoError(t, err)

	_, err = m.CreateIndex(ctx, CreateOptions{ID: "b", Namespace: "other"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNamespaceForbidden))
}

func TestCreateIndex_GeneratedID(t *testing.T) {
	m := newTestManager(t, nil)

	id, err := m.CreateIndex(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotNil(t, m.GetInstance(id))
}

func TestCreateIndex_ConcurrentSameID(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	const attempts = 8
	results := make(chan error, attempts)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < attempts; i++ {
		go func() {
			start.Wait()
			_, err := m.CreateIndex(ctx, CreateOptions{ID: "y"})
			results <- err
		}()
	}
	start.Done()

	succeeded, existed := 0, 0
	for i := 0; i < attempts; i++ {
		err := <-results
		switch {
		case err == nil:
			succeeded++
		case errors.IsCode(err, errors.ErrCodeExists):
			existed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent create must win")
	assert.Equal(t, attempts-1, existed)
}

// failingSandbox rejects initialization so creation cannot complete.
type failingSandbox struct {
	sandbox.Contract
}

func (f *failingSandbox) Initialize(context.Context, sandbox.InitOptions) error {
	return errors.New(errors.ErrCodeSandboxFailed, "boom", nil)
}

func (f *failingSandbox) Destroy() {}

func TestCreateIndex_FailedInitReleasesID(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(c *Config) {
		c.SandboxFactory = func() sandbox.Contract { return &failingSandbox{} }
	})

	_, err := m.CreateIndex(ctx, CreateOptions{ID: "a"})
	require.Error(t, err)
	assert.Nil(t, m.GetInstance("a"))

	// The id is free again once the placeholder is cleaned up.
	m.cfg.SandboxFactory = sandbox.DefaultFactory
	_, err = m.CreateIndex(ctx, CreateOptions{ID: "a"})
	require.NoError(t, err)
}

func TestCreateIndex_MissingNamedProvider(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.CreateIndex(context.Background(), CreateOptions{
		ID:                    "a",
		EmbeddingProviderName: "nope",
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeProviderNotFound))
	assert.Nil(t, m.GetInstance("a"))
}

func TestDestroyIndex(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	var destroyed []string
	m.Bus().Subscribe(event.IndexDestroyed, func(_ string, p event.Payload) {
		destroyed = append(destroyed, p.InstanceID)
	})

	id, err := m.CreateIndex(ctx, CreateOptions{ID: "a"})
	require.NoError(t, err)

	require.NoError(t, m.DestroyIndex(id))
	assert.Nil(t, m.GetInstance(id))
	assert.Equal(t, []string{"a"}, destroyed)

	err = m.DestroyIndex(id)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	// No descriptor is written by destroy.
	offloaded, err := m.ListOffloaded("")
	require.NoError(t, err)
	assert.Empty(t, offloaded)
}

func TestDestroyAll_NamespaceFiltered(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	for _, opts := range []CreateOptions{
		{ID: "a", Namespace: "ws"},
		{ID: "b", Namespace: "ws"},
		{ID: "c", Namespace: "other"},
	} {
		_, err := m.CreateIndex(ctx, opts)
		require.NoError(t, err)
	}

	require.NoError(t, m.DestroyAll("ws"))

	assert.Nil(t, m.GetInstance("ws:a"))
	assert.Nil(t, m.GetInstance("ws:b"))
	assert.NotNil(t, m.GetInstance("other:c"))

	require.NoError(t, m.DestroyAll(""))
	assert.Empty(t, m.ListInstances(""))
}

func TestProviderReferenceGuard(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	p := provider.NewGenericProvider("model", 384, func(_ context.Context, _ string) ([]float32, error) {
		return make([]float32, 384), nil
	})
	require.True(t, m.Registry().Add("p", p))

	id, err := m.CreateIndex(ctx, CreateOptions{ID: "z", EmbeddingProviderName: "p"})
	require.NoError(t, err)

	// While the live index references p, removal is forbidden.
	ok, err := m.Registry().Remove("p")
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeProviderInUse))

	require.NoError(t, m.DestroyIndex(id))

	ok, err = m.Registry().Remove("p")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClose_RejectsFurtherCreates(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.CreateIndex(context.Background(), CreateOptions{ID: "a"})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	_, err = m.CreateIndex(context.Background(), CreateOptions{ID: "b"})
	require.Error(t, err)
}

func TestShutdown_OffloadsLiveIndices(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := New(Config{
		OffloadDir:          dir,
		DefaultProviderName: provider.MockModelName,
	}, nil, nil, nil)
	require.NoError(t, err)

	id, err := m.CreateIndex(ctx, CreateOptions{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, m.AddDocuments(ctx, id, []sandbox.Document{{ID: "d", Text: "t"}}))

	require.NoError(t, m.Shutdown(ctx))

	// The index survived shutdown in offloaded form.
	m2, err := New(Config{
		OffloadDir:          dir,
		DefaultProviderName: provider.MockModelName,
	}, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Close() })

	offloaded, err := m2.ListOffloaded("")
	require.NoError(t, err)
	require.Len(t, offloaded, 1)
	assert.Equal(t, "a", offloaded[0].ID)

	resumed, err := m2.CreateIndex(ctx, CreateOptions{ID: "a", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 1, m2.GetInstance(resumed).DocumentCount)
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	timeout := 10 * time.Minute
	m := newTestManager(t, nil)

	for _, opts := range []CreateOptions{
		{ID: "a", Namespace: "ws", InactivityTimeout: &timeout},
		{ID: "b", Namespace: "ws"},
		{ID: "c"},
	} {
		_, err := m.CreateIndex(ctx, opts)
		require.NoError(t, err)
	}
	require.NoError(t, m.AddDocuments(ctx, "ws:a", []sandbox.Document{
		{ID: "d1", Text: "x"}, {ID: "d2", Text: "y"},
	}))

	stats := m.GetStats()
	assert.Equal(t, 3, stats.LiveCount)
	assert.Equal(t, 2, stats.TotalDocuments)
	assert.Equal(t, 10, stats.MaxInstances)
	assert.Equal(t, 2, stats.NamespaceCounts["ws"])
	assert.True(t, stats.Monitoring.Enabled)
	assert.Equal(t, 1, stats.Monitoring.ActiveTimers, "only the index with a timeout arms a timer")
	assert.NotEmpty(t, stats.Monitoring.OffloadDirectory)
}

func TestCreateIndex_CapacityGuardBeforeNamespace(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(c *Config) {
		c.MaxInstances = 1
		c.AllowedNamespaces = []string{"ws"}
	})

	_, err := m.CreateIndex(ctx, CreateOptions{ID: "a", Namespace: "ws"})
	require.NoError(t, err)

	// At capacity, the limit is reported even for a forbidden namespace.
	_, err = m.CreateIndex(ctx, CreateOptions{ID: "b", Namespace: "other"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCapacity))

	// With room again, the namespace guard fires.
	require.NoError(t, m.DestroyIndex("ws:a"))
	_, err = m.CreateIndex(ctx, CreateOptions{ID: "b", Namespace: "other"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNamespaceForbidden))
}
