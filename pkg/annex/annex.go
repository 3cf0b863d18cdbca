// Package annex is the embedding API: it wires configuration, logging, the
// provider registry, and the index manager into one service.
package annex

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/annexdb/annex/internal/config"
	"github.com/annexdb/annex/internal/event"
	"github.com/annexdb/annex/internal/manager"
	"github.com/annexdb/annex/internal/provider"
)

// Service bundles a manager with its registry and event bus.
type Service struct {
	Manager  *manager.Manager
	Registry *provider.Registry
	Bus      *event.Bus

	cfg     *config.Config
	logger  *slog.Logger
	closers []io.Closer
}

// Open builds a service from the configuration: providers declared in the
// config are registered, then the manager is started over the offload
// directory.
func Open(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bus := event.NewBus(logger)
	registry := provider.NewRegistry(bus, logger)

	s := &Service{
		Registry: registry,
		Bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}

	for _, pc := range cfg.Providers {
		p, closer, err := buildProvider(pc)
		if err != nil {
			s.closeProviders()
			return nil, fmt.Errorf("provider %q: %w", pc.ID, err)
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
		registry.Add(pc.ID, p)
	}

	mgr, err := manager.New(manager.Config{
		MaxInstances:             cfg.Manager.MaxInstances,
		OffloadDir:               cfg.Manager.OffloadDir,
		DefaultInactivityTimeout: cfg.Manager.DefaultInactivityTimeout,
		DefaultProviderName:      cfg.Manager.DefaultEmbeddingModel,
		AllowedNamespaces:        cfg.Manager.AllowedNamespaces,
		InitTimeout:              cfg.Manager.InitTimeout,
		QueryTimeout:             cfg.Manager.QueryTimeout,
		IngestTimeout:            cfg.Manager.IngestTimeout,
	}, registry, bus, logger)
	if err != nil {
		s.closeProviders()
		return nil, err
	}
	s.Manager = mgr

	logger.Info("annex service opened",
		"offloadDir", cfg.Manager.OffloadDir,
		"providers", len(cfg.Providers),
		"defaultModel", cfg.Manager.DefaultEmbeddingModel)
	return s, nil
}

func buildProvider(pc config.ProviderConfig) (provider.Provider, io.Closer, error) {
	switch pc.Type {
	case "mock":
		return provider.NewMockProvider(), nil, nil
	case "remote":
		remote, err := provider.NewRemoteProvider(provider.RemoteConfig{
			Endpoint:  pc.Endpoint,
			Model:     pc.Model,
			Dimension: pc.Dimension,
			Timeout:   pc.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		var p provider.Provider = remote
		if pc.CacheSize > 0 {
			p = provider.NewCachedProvider(remote, pc.CacheSize)
		}
		return p, remote, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

func (s *Service) closeProviders() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("closing provider failed", "error", err)
		}
	}
	s.closers = nil
}

// Close destroys all live indices and releases the offload directory.
func (s *Service) Close() error {
	err := s.Manager.Close()
	s.closeProviders()
	return err
}

// Shutdown offloads all live indices before closing, so they can be
// resumed by the next service instance.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.Manager.Shutdown(ctx)
	s.closeProviders()
	return err
}
