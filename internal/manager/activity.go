package manager

import (
	"time"

	"github.com/annexdb/annex/internal/errors"
	"github.com/annexdb/annex/internal/event"
)

// bumpActivity records activity on e and re-arms its inactivity timer.
// The timestamp is strictly increasing even under clock granularity.
func (m *Manager) bumpActivity(e *entry) {
	e.actMu.Lock()
	defer e.actMu.Unlock()

	now := time.Now()
	if !now.After(e.lastActivity) {
		now = e.lastActivity.Add(time.Nanosecond)
	}
	e.lastActivity = now
	m.armTimerLocked(e)
}

// effectiveTimeout is the per-index override or the manager default.
func (m *Manager) effectiveTimeout(e *entry) time.Duration {
	if e.opts.InactivityTimeout != nil {
		return *e.opts.InactivityTimeout
	}
	return m.cfg.DefaultInactivityTimeout
}

// armTimerLocked replaces the pending timer for e. Caller holds e.actMu.
func (m *Manager) armTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if !m.monitoring.Load() || !e.opts.monitoringEnabled() {
		return
	}
	timeout := m.effectiveTimeout(e)
	if timeout <= 0 {
		return
	}
	e.timer = time.AfterFunc(timeout, func() {
		m.onInactivity(e.id)
	})
}

// onInactivity fires when an index's timer expires. A bump that raced the
// firing re-arms instead of evicting. Failures are logged and emitted,
// never propagated.
func (m *Manager) onInactivity(id string) {
	e := m.getEntry(id)
	if e == nil {
		return
	}

	e.actMu.Lock()
	timeout := m.effectiveTimeout(e)
	stale := timeout <= 0 || time.Since(e.lastActivity) < timeout
	if stale {
		m.armTimerLocked(e)
	}
	e.actMu.Unlock()
	if stale {
		return
	}

	m.logger.Debug("inactivity timeout reached", "id", id, "timeout", timeout)
	if err := m.Offload(id); err != nil {
		m.logger.Error("inactivity offload failed", "id", id, "error", err)
		m.bus.Emit(event.Error, event.Payload{
			InstanceID: id,
			Data:       map[string]any{"operation": "offload", "error": err.Error()},
		})
	}
}

// SetActivityMonitoring toggles eviction globally. Disabling cancels all
// pending timers but leaves each index's own flag untouched; re-enabling
// re-arms timers according to the per-index settings.
func (m *Manager) SetActivityMonitoring(enabled bool) {
	m.monitoring.Store(enabled)

	m.mu.RLock()
	entries := make([]*entry, 0, len(m.live))
	for _, e := range m.live {
		if !e.placeholder {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.actMu.Lock()
		m.armTimerLocked(e)
		e.actMu.Unlock()
	}
	m.logger.Info("activity monitoring toggled", "enabled", enabled)
}

// SetInactivityTimeout updates one index's eviction deadline. Zero disables
// eviction for that index.
func (m *Manager) SetInactivityTimeout(id string, timeout time.Duration) error {
	e := m.getEntry(id)
	if e == nil {
		return errors.Newf(errors.ErrCodeNotFound, "index %q not found", id)
	}

	e.mu.Lock()
	e.actMu.Lock()
	e.opts.InactivityTimeout = &timeout
	m.armTimerLocked(e)
	e.actMu.Unlock()
	e.mu.Unlock()
	return nil
}

// TimeUntilOffload reports how long until the index is evicted, or false
// when monitoring is off for it.
func (m *Manager) TimeUntilOffload(id string) (time.Duration, bool) {
	e := m.getEntry(id)
	if e == nil {
		return 0, false
	}

	e.actMu.Lock()
	defer e.actMu.Unlock()

	if !m.monitoring.Load() || !e.opts.monitoringEnabled() {
		return 0, false
	}
	timeout := m.effectiveTimeout(e)
	if timeout <= 0 {
		return 0, false
	}
	remaining := timeout - time.Since(e.lastActivity)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Ping bumps activity for a live index and reports whether it is live.
func (m *Manager) Ping(id string) bool {
	e := m.getEntry(id)
	if e == nil {
		return false
	}
	m.bumpActivity(e)
	return true
}
