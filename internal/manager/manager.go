// Package manager implements the index lifecycle scheduler: a live map of
// sandboxed ANN indices with activity tracking, inactivity-driven offload to
// disk, and race-free create-or-resume.
package manager

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/annexdb/annex/internal/errors"
	"github.com/annexdb/annex/internal/event"
	"github.com/annexdb/annex/internal/offload"
	"github.com/annexdb/annex/internal/provider"
	"github.com/annexdb/annex/internal/sandbox"
)

// Default outer deadlines for sandbox round-trips.
const (
	DefaultInitTimeout   = 30 * time.Second
	DefaultQueryTimeout  = 30 * time.Second
	DefaultIngestTimeout = 60 * time.Second
)

// Config sets the manager-wide policy.
type Config struct {
	// MaxInstances caps the number of live indices. Zero means unlimited.
	MaxInstances int
	// OffloadDir is the directory holding cold descriptors.
	OffloadDir string
	// DefaultInactivityTimeout applies to indices that do not set their
	// own. Zero disables automatic eviction by default.
	DefaultInactivityTimeout time.Duration
	// DefaultProviderName names the registry provider used when an index
	// has no provider of its own. The sentinel "mock-model" selects the
	// deterministic mock embedder.
	DefaultProviderName string
	// DefaultProvider is an inline fallback provider.
	DefaultProvider provider.Provider
	// AllowedNamespaces, when non-empty, restricts index creation to the
	// listed namespaces.
	AllowedNamespaces []string

	InitTimeout   time.Duration
	QueryTimeout  time.Duration
	IngestTimeout time.Duration

	// SandboxFactory spawns sandboxes; nil means the in-process default.
	SandboxFactory sandbox.Factory
}

func (c *Config) applyDefaults() {
	if c.InitTimeout == 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.IngestTimeout == 0 {
		c.IngestTimeout = DefaultIngestTimeout
	}
	if c.SandboxFactory == nil {
		c.SandboxFactory = sandbox.DefaultFactory
	}
}

// entry is one live index. Operations against it hold mu across the whole
// sandbox round-trip; activity state has its own smaller lock so timer
// bookkeeping never waits behind a slow sandbox call.
type entry struct {
	mu sync.Mutex

	id      string
	opts    CreateOptions
	sandbox sandbox.Contract
	created time.Time

	// placeholder entries reserve the id during creation; every concurrent
	// create for the same id fails against them.
	placeholder bool

	docCount    int
	dimension   int
	fromOffload bool

	actMu        sync.Mutex
	lastActivity time.Time
	timer        *time.Timer
}

// Manager owns the live map, the activity clock, the inactivity timers,
// the offload store, and the provider registry binding.
type Manager struct {
	cfg      Config
	registry *provider.Registry
	store    *offload.Store
	bus      *event.Bus
	logger   *slog.Logger

	mu     sync.RWMutex
	live   map[string]*entry
	closed bool

	// monitoring is the global activity-monitoring toggle. Atomic so timer
	// re-arming under per-entry locks never orders against m.mu.
	monitoring atomic.Bool

	mock   provider.Provider
	resume singleflight.Group
}

// New builds a manager. The registry's reference counter is bound so the
// provider-in-use guard sees this manager's live indices.
func New(cfg Config, registry *provider.Registry, bus *event.Bus, logger *slog.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	if registry == nil {
		registry = provider.NewRegistry(bus, logger)
	}

	store, err := offload.NewStore(cfg.OffloadDir, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		registry: registry,
		store:    store,
		bus:      bus,
		logger:   logger,
		live:     make(map[string]*entry),
		mock:     provider.NewMockProvider(),
	}
	m.monitoring.Store(true)
	registry.SetReferenceCounter(m.providerRefCount)
	return m, nil
}

// Registry returns the bound provider registry.
func (m *Manager) Registry() *provider.Registry {
	return m.registry
}

// Bus returns the event bus.
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// providerRefCount counts live indices bound by name to the provider.
// Called by the registry guards; must not call back into the registry.
func (m *Manager) providerRefCount(providerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.live {
		if e.opts.EmbeddingProviderName == providerID {
			count++
		}
	}
	return count
}

// CreateIndex materializes a live index, either empty or hydrated from
// disk. It is the only path that adds entries to the live map, and it
// guarantees that for any id at most one of a live entry or an on-disk
// descriptor exists.
func (m *Manager) CreateIndex(ctx context.Context, opts CreateOptions) (string, error) {
	id := opts.resolveID()

	// The decision over live map and disk state, plus the placeholder
	// insert, happens atomically under the manager lock. The capacity
	// guard runs before the namespace guard.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.New(errors.ErrCodeInternal, "manager is closed", nil)
	}
	if m.cfg.MaxInstances > 0 && len(m.live) >= m.cfg.MaxInstances {
		m.mu.Unlock()
		return "", errors.Newf(errors.ErrCodeCapacity,
			"instance limit of %d reached", m.cfg.MaxInstances)
	}
	if len(m.cfg.AllowedNamespaces) > 0 && !slices.Contains(m.cfg.AllowedNamespaces, opts.Namespace) {
		m.mu.Unlock()
		return "", errors.Newf(errors.ErrCodeNamespaceForbidden,
			"namespace %q is not allowed", opts.Namespace)
	}
	if _, live := m.live[id]; live {
		m.mu.Unlock()
		if opts.Resume {
			return "", errors.Newf(errors.ErrCodeAlreadyRunning, "index %q is already running", id)
		}
		return "", errors.Newf(errors.ErrCodeExists, "index %q already exists", id)
	}
	onDisk := m.store.Has(id)
	switch {
	case onDisk && !opts.Resume:
		m.mu.Unlock()
		return "", errors.Newf(errors.ErrCodeExists, "index %q exists in offloaded form", id).
			WithSuggestion("set resume=true to rehydrate it")
	case !onDisk && opts.Resume:
		m.mu.Unlock()
		return "", errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}

	e := &entry{
		id:          id,
		opts:        opts,
		created:     time.Now(),
		placeholder: true,
	}
	m.live[id] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.initializeEntry(ctx, e, onDisk); err != nil {
		m.removeEntry(e)
		return "", err
	}

	e.placeholder = false
	m.bumpActivity(e)

	if onDisk {
		m.logger.Info("index resumed", "id", id, "documents", e.docCount)
	} else {
		m.logger.Info("index created", "id", id)
	}
	return id, nil
}

// initializeEntry runs the slow half of creation under the per-id lock:
// provider binding, sandbox spawn, and (for resume) hydration.
func (m *Manager) initializeEntry(ctx context.Context, e *entry, hydrate bool) error {
	var (
		meta offload.Metadata
		docs []sandbox.Document
	)
	if hydrate {
		var err error
		meta, docs, err = m.store.Load(e.id)
		if err != nil {
			return err
		}
		e.opts = optionsFromStored(meta.Options, e.opts)
	}

	if name := e.opts.EmbeddingProviderName; name != "" &&
		e.opts.EmbeddingProvider == nil && name != provider.MockModelName {
		if _, ok := m.registry.Use(name); !ok {
			return errors.Newf(errors.ErrCodeProviderNotFound,
				"embedding provider %q not registered", name)
		}
	}

	sb := m.cfg.SandboxFactory()
	initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	defer cancel()
	if err := sb.Initialize(initCtx, sandbox.InitOptions{
		ID:        e.id,
		Dimension: meta.EmbeddingDimension,
	}); err != nil {
		sb.Destroy()
		return err
	}

	if hydrate {
		ingestCtx, cancelIngest := context.WithTimeout(ctx, m.cfg.IngestTimeout)
		defer cancelIngest()
		// Descriptors may carry text-only documents (no entry in the
		// vectors file, or a legacy all-JSON descriptor without vectors).
		// Re-embed those before handing the batch to the sandbox.
		var p provider.Provider
		for i := range docs {
			if len(docs[i].Vector) > 0 {
				continue
			}
			if docs[i].Text == "" {
				sb.Destroy()
				return errors.Newf(errors.ErrCodeDocWithoutContent,
					"document %q has neither vector nor text", docs[i].ID)
			}
			if p == nil {
				var err error
				if p, err = m.resolveProvider(e); err != nil {
					sb.Destroy()
					return err
				}
			}
			vec, err := m.embed(ingestCtx, p, docs[i].Text)
			if err != nil {
				sb.Destroy()
				return err
			}
			docs[i].Vector = vec
		}
		if err := sb.AddDocuments(ingestCtx, docs); err != nil {
			sb.Destroy()
			return err
		}
		e.docCount = meta.DocumentCount
		e.dimension = meta.EmbeddingDimension
		e.fromOffload = true
		e.created = meta.Created
	}

	e.sandbox = sb

	if hydrate {
		if err := m.store.Delete(e.id); err != nil {
			m.logger.Warn("failed to remove descriptor after resume", "id", e.id, "error", err)
		}
		m.bus.Emit(event.IndexResumed, event.Payload{
			InstanceID: e.id,
			Data: map[string]any{
				"offloadedAt": meta.OffloadedAt,
				"resumedAt":   time.Now(),
			},
		})
	} else {
		m.bus.Emit(event.IndexCreated, event.Payload{InstanceID: e.id})
	}
	return nil
}

// EnsureResumed returns id if it is live, resuming it from disk when
// needed. Concurrent calls for the same id share a single hydration.
func (m *Manager) EnsureResumed(ctx context.Context, id string) (string, error) {
	if m.getEntry(id) != nil {
		return id, nil
	}
	_, err, _ := m.resume.Do(id, func() (any, error) {
		if m.getEntry(id) != nil {
			return nil, nil
		}
		ns := namespaceOf(id)
		base := id
		if ns != "" {
			base = id[len(ns)+1:]
		}
		_, err := m.CreateIndex(ctx, CreateOptions{ID: base, Namespace: ns, Resume: true})
		return nil, err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// getEntry returns the live, non-placeholder entry for id.
func (m *Manager) getEntry(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.live[id]
	if !ok || e.placeholder {
		return nil
	}
	return e
}

// removeEntry drops e from the live map and clears its activity state.
func (m *Manager) removeEntry(e *entry) {
	e.actMu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.actMu.Unlock()

	m.mu.Lock()
	if m.live[e.id] == e {
		delete(m.live, e.id)
	}
	m.mu.Unlock()
}

// DestroyIndex tears down a live index. On-disk descriptors are untouched.
func (m *Manager) DestroyIndex(id string) error {
	e := m.getEntry(id)
	if e == nil {
		return errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.getEntry(id) != e {
		// lost a race with offload or another destroy
		return errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}

	m.removeEntry(e)
	e.sandbox.Destroy()

	m.bus.Emit(event.IndexDestroyed, event.Payload{InstanceID: id})
	m.logger.Info("index destroyed", "id", id)
	return nil
}

// DestroyAll destroys every live index, optionally restricted to one
// namespace.
func (m *Manager) DestroyAll(namespace string) error {
	ids := m.liveIDs(namespace)

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := m.DestroyIndex(id)
			if errors.IsCode(err, errors.ErrCodeNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (m *Manager) liveIDs(namespace string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.live))
	for id, e := range m.live {
		if e.placeholder {
			continue
		}
		if namespace != "" && namespaceOf(id) != namespace {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// InstanceInfo is a point-in-time snapshot of a live index.
type InstanceInfo struct {
	ID                 string
	Namespace          string
	Created            time.Time
	DocumentCount      int
	EmbeddingDimension int
	FromOffload        bool
	LastActivity       time.Time
}

// GetInstance returns a snapshot of the live index, or nil when the id is
// not live.
func (m *Manager) GetInstance(id string) *InstanceInfo {
	e := m.getEntry(id)
	if e == nil {
		return nil
	}

	e.actMu.Lock()
	defer e.actMu.Unlock()

	return &InstanceInfo{
		ID:                 e.id,
		Namespace:          namespaceOf(e.id),
		Created:            e.created,
		DocumentCount:      e.docCount,
		EmbeddingDimension: e.dimension,
		FromOffload:        e.fromOffload,
		LastActivity:       e.lastActivity,
	}
}

// ListInstances returns snapshots of all live indices, optionally filtered
// by namespace.
func (m *Manager) ListInstances(namespace string) []InstanceInfo {
	infos := make([]InstanceInfo, 0)
	for _, id := range m.liveIDs(namespace) {
		if info := m.GetInstance(id); info != nil {
			infos = append(infos, *info)
		}
	}
	slices.SortFunc(infos, func(a, b InstanceInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return infos
}

// Shutdown offloads every live index best-effort, then closes the manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, id := range m.liveIDs("") {
		if err := m.Offload(id); err != nil {
			m.logger.Warn("offload during shutdown failed, destroying instead",
				"id", id, "error", err)
		}
	}
	return m.Close()
}

// Close destroys all remaining live indices and releases the offload
// directory lock.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for _, id := range m.liveIDs("") {
		if err := m.DestroyIndex(id); err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
			m.logger.Warn("destroy during close failed", "id", id, "error", err)
		}
	}
	return m.store.Close()
}
