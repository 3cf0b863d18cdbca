package manager

import (
	"time"
)

// MonitoringStats describes the eviction subsystem.
type MonitoringStats struct {
	Enabled          bool          `json:"enabled"`
	DefaultTimeout   time.Duration `json:"defaultTimeout"`
	ActiveTimers     int           `json:"activeTimers"`
	OffloadDirectory string        `json:"offloadDirectory"`
}

// Stats is a point-in-time summary of the manager.
type Stats struct {
	LiveCount       int             `json:"liveCount"`
	TotalDocuments  int             `json:"totalDocuments"`
	MaxInstances    int             `json:"maxInstances"`
	DefaultProvider string          `json:"defaultProvider,omitempty"`
	NamespaceCounts map[string]int  `json:"namespaceCounts"`
	Monitoring      MonitoringStats `json:"monitoring"`
}

// GetStats summarizes all live indices and the monitoring state.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.live))
	for _, e := range m.live {
		if !e.placeholder {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	stats := Stats{
		LiveCount:       len(entries),
		MaxInstances:    m.cfg.MaxInstances,
		DefaultProvider: m.cfg.DefaultProviderName,
		NamespaceCounts: make(map[string]int),
		Monitoring: MonitoringStats{
			Enabled:          m.monitoring.Load(),
			DefaultTimeout:   m.cfg.DefaultInactivityTimeout,
			OffloadDirectory: m.store.Dir(),
		},
	}

	for _, e := range entries {
		if ns := namespaceOf(e.id); ns != "" {
			stats.NamespaceCounts[ns]++
		}

		e.actMu.Lock()
		stats.TotalDocuments += e.docCount
		if e.timer != nil {
			stats.Monitoring.ActiveTimers++
		}
		e.actMu.Unlock()
	}
	return stats
}
