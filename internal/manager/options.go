package manager

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/annexdb/annex/internal/offload"
	"github.com/annexdb/annex/internal/provider"
)

// CreateOptions configure a new or resumed index.
type CreateOptions struct {
	// ID names the index. Empty means a generated UUID.
	ID string
	// Namespace, when set, prefixes the id as "namespace:id".
	Namespace string
	// EmbeddingProvider is an inline provider bound to this index. It takes
	// priority over every named provider.
	EmbeddingProvider provider.Provider
	// EmbeddingProviderName references a registry entry.
	EmbeddingProviderName string
	// InactivityTimeout overrides the manager default. Nil means use the
	// default; zero disables eviction for this index.
	InactivityTimeout *time.Duration
	// EnableActivityMonitoring is a per-index kill-switch. Nil means true.
	EnableActivityMonitoring *bool
	// Resume hydrates the index from its on-disk descriptor instead of
	// creating it empty.
	Resume bool
}

// resolveID combines namespace and id, generating an id when absent.
func (o *CreateOptions) resolveID() string {
	base := o.ID
	if base == "" {
		base = uuid.NewString()
	}
	if o.Namespace != "" {
		return o.Namespace + ":" + base
	}
	return base
}

// monitoringEnabled reports the per-index monitoring flag with its default.
func (o *CreateOptions) monitoringEnabled() bool {
	return o.EnableActivityMonitoring == nil || *o.EnableActivityMonitoring
}

// stored converts the serializable subset of the options for the on-disk
// descriptor. The inline provider cannot be stored.
func (o *CreateOptions) stored(fullID string) offload.StoredOptions {
	s := offload.StoredOptions{
		ID:                       fullID,
		Namespace:                o.Namespace,
		EmbeddingProviderName:    o.EmbeddingProviderName,
		EnableActivityMonitoring: o.EnableActivityMonitoring,
	}
	if o.InactivityTimeout != nil {
		ms := o.InactivityTimeout.Milliseconds()
		s.InactivityTimeoutMS = &ms
	}
	return s
}

// optionsFromStored reconstructs create options from a descriptor, letting
// explicitly-set fields of the resume call win over the stored ones.
func optionsFromStored(s offload.StoredOptions, override CreateOptions) CreateOptions {
	opts := override
	if opts.Namespace == "" {
		opts.Namespace = s.Namespace
	}
	if opts.EmbeddingProviderName == "" {
		opts.EmbeddingProviderName = s.EmbeddingProviderName
	}
	if opts.InactivityTimeout == nil && s.InactivityTimeoutMS != nil {
		d := time.Duration(*s.InactivityTimeoutMS) * time.Millisecond
		opts.InactivityTimeout = &d
	}
	if opts.EnableActivityMonitoring == nil {
		opts.EnableActivityMonitoring = s.EnableActivityMonitoring
	}
	return opts
}

// namespaceOf extracts the namespace prefix from a full id, or "".
func namespaceOf(id string) string {
	if i := strings.Index(id, ":"); i > 0 {
		return id[:i]
	}
	return ""
}
