package manager

import (
	"context"

	"github.com/annexdb/annex/internal/errors"
	"github.com/annexdb/annex/internal/event"
	"github.com/annexdb/annex/internal/provider"
	"github.com/annexdb/annex/internal/sandbox"
)

// resolveProvider picks the embedding source for an index, in priority
// order: inline provider, named registry provider, manager default name,
// inline manager default. The sentinel name "mock-model" selects the
// deterministic mock embedder. A configured default name that is missing
// from the registry is a hard error, never a silent fallthrough.
func (m *Manager) resolveProvider(e *entry) (provider.Provider, error) {
	if e.opts.EmbeddingProvider != nil {
		return e.opts.EmbeddingProvider, nil
	}
	if name := e.opts.EmbeddingProviderName; name != "" {
		if name == provider.MockModelName {
			return m.mock, nil
		}
		if p, ok := m.registry.Use(name); ok {
			return p, nil
		}
	}
	if name := m.cfg.DefaultProviderName; name != "" {
		if name == provider.MockModelName {
			return m.mock, nil
		}
		p, ok := m.registry.Use(name)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeProviderNotFound,
				"default embedding provider %q is not registered", name)
		}
		return p, nil
	}
	if m.cfg.DefaultProvider != nil {
		return m.cfg.DefaultProvider, nil
	}
	return nil, errors.New(errors.ErrCodeProviderNotFound, "no embedding provider available", nil)
}

// embed computes a vector for text, wrapping provider failures.
func (m *Manager) embed(ctx context.Context, p provider.Provider, text string) ([]float32, error) {
	vec, err := p.Embed(ctx, text)
	if err != nil {
		if errors.GetCode(err) != "" {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}
	return vec, nil
}

// AddDocuments ingests a batch into a live index. Documents without a
// vector are embedded from their text; documents with neither are
// rejected naming the offending id.
func (m *Manager) AddDocuments(ctx context.Context, id string, docs []sandbox.Document) error {
	e := m.getEntry(id)
	if e == nil {
		return errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.getEntry(id) != e {
		return errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}
	m.bumpActivity(e)

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.IngestTimeout)
	defer cancel()

	enriched := make([]sandbox.Document, len(docs))
	copy(enriched, docs)
	var p provider.Provider
	for i := range enriched {
		if len(enriched[i].Vector) > 0 {
			continue
		}
		if enriched[i].Text == "" {
			return errors.Newf(errors.ErrCodeDocWithoutContent,
				"document %q has neither vector nor text", enriched[i].ID)
		}
		if p == nil {
			var err error
			if p, err = m.resolveProvider(e); err != nil {
				return err
			}
		}
		vec, err := m.embed(opCtx, p, enriched[i].Text)
		if err != nil {
			return err
		}
		enriched[i].Vector = vec
	}

	if err := e.sandbox.AddDocuments(opCtx, enriched); err != nil {
		return err
	}

	e.actMu.Lock()
	e.docCount += len(enriched)
	if e.dimension == 0 && len(enriched) > 0 {
		e.dimension = len(enriched[0].Vector)
	}
	e.actMu.Unlock()

	m.bus.Emit(event.DocumentAdded, event.Payload{
		InstanceID: id,
		Data:       map[string]any{"count": len(enriched)},
	})
	return nil
}

// QueryRequest is a similarity query by text or by raw vector.
type QueryRequest struct {
	// Text is embedded via the index's provider when Vector is absent.
	Text string
	// Vector, when set, is used as-is.
	Vector []float32
	// K bounds the result count. Zero means all.
	K int
	// Threshold drops results scoring below it.
	Threshold *float32
	// IncludeMetadata attaches document metadata to each result.
	IncludeMetadata bool
}

// Query runs a similarity search against a live index.
func (m *Manager) Query(ctx context.Context, id string, req QueryRequest) ([]sandbox.QueryResult, error) {
	e := m.getEntry(id)
	if e == nil {
		return nil, errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.getEntry(id) != e {
		return nil, errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}
	m.bumpActivity(e)

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	vec := req.Vector
	if len(vec) == 0 {
		p, err := m.resolveProvider(e)
		if err != nil {
			return nil, err
		}
		if vec, err = m.embed(opCtx, p, req.Text); err != nil {
			return nil, err
		}
	}

	results, err := e.sandbox.Query(opCtx, vec, sandbox.QueryOptions{
		K:               req.K,
		Threshold:       req.Threshold,
		IncludeMetadata: req.IncludeMetadata,
	})
	if err != nil {
		return nil, err
	}

	m.bus.Emit(event.QueryCompleted, event.Payload{
		InstanceID: id,
		Data:       map[string]any{"resultCount": len(results)},
	})
	return results, nil
}

// RemoveDocuments deletes documents by id from a live index. Unknown ids
// are ignored; the count actually removed is returned and the document
// counter decrements by exactly that count.
func (m *Manager) RemoveDocuments(ctx context.Context, id string, docIDs []string) (int, error) {
	e := m.getEntry(id)
	if e == nil {
		return 0, errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.getEntry(id) != e {
		return 0, errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}
	m.bumpActivity(e)

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.IngestTimeout)
	defer cancel()

	removed, err := e.sandbox.RemoveDocuments(opCtx, docIDs)
	if err != nil {
		return 0, err
	}

	e.actMu.Lock()
	e.docCount -= removed
	if e.docCount < 0 {
		e.docCount = 0
	}
	e.actMu.Unlock()

	m.bus.Emit(event.DocumentRemoved, event.Payload{
		InstanceID: id,
		Data:       map[string]any{"count": removed},
	})
	return removed, nil
}
