package provider

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/annexdb/annex/internal/errors"
	"github.com/annexdb/annex/internal/event"
)

// ReferenceCounter reports how many live indices currently reference the
// given provider id. The index manager supplies it; it reads the live map
// under the manager's own guard, never under the registry lock of another
// registry call.
type ReferenceCounter func(providerID string) int

// Entry is a registered provider with its bookkeeping.
type Entry struct {
	ID       string
	Provider Provider
	Created  time.Time
	LastUsed *time.Time
}

// Registry is the process-wide named table of embedding providers.
// Removal and re-dimensioning are forbidden while any live index references
// the entry by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	refs   ReferenceCounter
	bus    *event.Bus
	logger *slog.Logger
}

// NewRegistry creates an empty registry. bus may be nil when no event
// delivery is wanted (tests).
func NewRegistry(bus *event.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		bus:     bus,
		logger:  logger,
	}
}

// SetReferenceCounter wires the in-use check. Called once by the manager
// during startup, before any index can reference a provider.
func (r *Registry) SetReferenceCounter(fn ReferenceCounter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = fn
}

// Add registers a provider under id. Returns false if id already exists.
func (r *Registry) Add(id string, p Provider) bool {
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.entries[id] = &Entry{ID: id, Provider: p, Created: time.Now()}
	r.mu.Unlock()

	r.logger.Debug("provider_added", slog.String("provider_id", id),
		slog.String("type", string(p.Type())), slog.Int("dimension", p.Dimension()))
	r.emit(event.ProviderAdded, id, map[string]any{
		"type":      string(p.Type()),
		"name":      p.Name(),
		"dimension": p.Dimension(),
	})
	return true
}

// Remove unregisters a provider. Returns false if id is absent, and an
// in-use error if any live index references the id.
func (r *Registry) Remove(id string) (bool, error) {
	r.mu.Lock()
	if _, exists := r.entries[id]; !exists {
		r.mu.Unlock()
		return false, nil
	}
	if n := r.useCount(id); n > 0 {
		r.mu.Unlock()
		return false, errors.Newf(errors.ErrCodeProviderInUse,
			"provider %q is referenced by %d live index(es)", id, n)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	r.logger.Debug("provider_removed", slog.String("provider_id", id))
	r.emit(event.ProviderRemoved, id, nil)
	return true, nil
}

// Update replaces the provider stored under id. Returns false if id is
// absent. Changing the dimension while any live index references the id
// would break that index's embeddings, so it fails.
func (r *Registry) Update(id string, p Provider) (bool, error) {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}

	old := entry.Provider
	if old.Dimension() != p.Dimension() {
		if n := r.useCount(id); n > 0 {
			r.mu.Unlock()
			return false, errors.Newf(errors.ErrCodeProviderDimensionChange,
				"changing provider %q from %d to %d dimensions would break embeddings of %d live index(es)",
				id, old.Dimension(), p.Dimension(), n)
		}
	}
	entry.Provider = p
	r.mu.Unlock()

	r.logger.Debug("provider_updated", slog.String("provider_id", id))
	r.emit(event.ProviderUpdated, id, map[string]any{
		"old": map[string]any{"type": string(old.Type()), "name": old.Name(), "dimension": old.Dimension()},
		"new": map[string]any{"type": string(p.Type()), "name": p.Name(), "dimension": p.Dimension()},
	})
	return true, nil
}

// Get returns the provider stored under id without touching usage state.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.Provider, true
}

// Use returns the provider stored under id and records the consultation by
// updating the entry's LastUsed timestamp.
func (r *Registry) Use(id string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	now := time.Now()
	entry.LastUsed = &now
	return entry.Provider, true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// List returns a snapshot of all entries.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UsageSnapshot describes one provider for the stats surface.
type UsageSnapshot struct {
	ID         string
	Type       Type
	Name       string
	Dimension  int
	UsageCount int
	LastUsed   *time.Time
	Created    time.Time
}

// Stats summarizes the registry.
type Stats struct {
	Total     int
	ByType    map[Type]int
	InUse     int
	Providers []UsageSnapshot
}

// GetStats returns totals by type, the count of providers referenced by at
// least one live index, and per-provider usage snapshots sorted by
// descending usage, then most recent use, then creation time.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:  len(r.entries),
		ByType: make(map[Type]int),
	}

	for id, e := range r.entries {
		stats.ByType[e.Provider.Type()]++
		usage := r.useCount(id)
		if usage > 0 {
			stats.InUse++
		}
		stats.Providers = append(stats.Providers, UsageSnapshot{
			ID:         id,
			Type:       e.Provider.Type(),
			Name:       e.Provider.Name(),
			Dimension:  e.Provider.Dimension(),
			UsageCount: usage,
			LastUsed:   e.LastUsed,
			Created:    e.Created,
		})
	}

	sort.Slice(stats.Providers, func(i, j int) bool {
		a, b := stats.Providers[i], stats.Providers[j]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		switch {
		case a.LastUsed != nil && b.LastUsed != nil && !a.LastUsed.Equal(*b.LastUsed):
			return a.LastUsed.After(*b.LastUsed)
		case (a.LastUsed != nil) != (b.LastUsed != nil):
			return a.LastUsed != nil
		}
		return a.Created.Before(b.Created)
	})

	return stats
}

// useCount must be called with r.mu held (read or write).
func (r *Registry) useCount(id string) int {
	if r.refs == nil {
		return 0
	}
	return r.refs(id)
}

func (r *Registry) emit(name, providerID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(name, event.Payload{ProviderID: providerID, Data: data})
}
