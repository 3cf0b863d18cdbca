package manager

import (
	"context"
	"time"

	"github.com/annexdb/annex/internal/errors"
	"github.com/annexdb/annex/internal/event"
	"github.com/annexdb/annex/internal/offload"
)

// Offload writes a live index's state to disk and releases its in-memory
// resources. Idempotent: offloading an id that is not live is a no-op. Any
// failure before the descriptor is fully written leaves the live entry
// intact so a later cycle can retry.
func (m *Manager) Offload(id string) error {
	e := m.getEntry(id)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.getEntry(id) != e {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
	defer cancel()
	docs, err := e.sandbox.GetDocuments(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeSandboxFailed, err).
			WithDetail("operation", "offload").
			WithDetail("id", id)
	}

	meta := offload.Metadata{
		ID:                 id,
		Created:            e.created,
		OffloadedAt:        time.Now(),
		Options:            e.opts.stored(id),
		DocumentCount:      e.docCount,
		EmbeddingDimension: e.dimension,
	}
	if err := m.store.Save(meta, docs); err != nil {
		return err
	}

	m.removeEntry(e)
	e.sandbox.Destroy()

	m.bus.Emit(event.IndexOffloaded, event.Payload{
		InstanceID: id,
		Data: map[string]any{
			"documentCount": meta.DocumentCount,
			"offloadedAt":   meta.OffloadedAt,
		},
	})
	m.logger.Info("index offloaded", "id", id, "documents", meta.DocumentCount)
	return nil
}

// ManualOffload offloads a live index on demand.
func (m *Manager) ManualOffload(id string) error {
	if m.getEntry(id) == nil {
		return errors.Newf(errors.ErrCodeNotFound, "index %q is not live", id)
	}
	return m.Offload(id)
}

// ListOffloaded returns descriptors of all offloaded indices, most
// recently offloaded first, optionally filtered by namespace.
func (m *Manager) ListOffloaded(namespace string) ([]offload.Metadata, error) {
	return m.store.List(namespace)
}

// DeleteOffloaded removes an index's on-disk descriptor permanently.
func (m *Manager) DeleteOffloaded(id string) error {
	return m.store.Delete(id)
}
