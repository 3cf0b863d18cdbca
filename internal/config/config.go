// Package config loads and validates the annex configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables override file values. Highest priority.
const (
	EnvOffloadDir   = "ANNEX_OFFLOAD_DIR"
	EnvMaxInstances = "ANNEX_MAX_INSTANCES"
	EnvDefaultModel = "ANNEX_DEFAULT_MODEL"
	EnvLogLevel     = "ANNEX_LOG_LEVEL"
)

// DefaultFileName is the per-directory config file looked up when no
// explicit path is given.
const DefaultFileName = "annex.yaml"

// Config is the complete annex configuration.
type Config struct {
	Version   int              `yaml:"version" json:"version"`
	Manager   ManagerConfig    `yaml:"manager" json:"manager"`
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
}

// ManagerConfig sets index lifecycle policy.
type ManagerConfig struct {
	// MaxInstances caps the number of live indices. Zero means unlimited.
	MaxInstances int `yaml:"max_instances" json:"max_instances"`

	// OffloadDir holds the cold descriptors of evicted indices.
	OffloadDir string `yaml:"offload_dir" json:"offload_dir"`

	// DefaultInactivityTimeout evicts idle indices that set no timeout of
	// their own. Zero disables automatic eviction.
	DefaultInactivityTimeout time.Duration `yaml:"default_inactivity_timeout" json:"default_inactivity_timeout"`

	// DefaultEmbeddingModel names the provider used when an index has none.
	// The sentinel "mock-model" selects the deterministic mock embedder.
	DefaultEmbeddingModel string `yaml:"default_embedding_model" json:"default_embedding_model"`

	// AllowedNamespaces restricts creation to the listed namespaces when
	// non-empty.
	AllowedNamespaces []string `yaml:"allowed_namespaces" json:"allowed_namespaces"`

	InitTimeout   time.Duration `yaml:"init_timeout" json:"init_timeout"`
	QueryTimeout  time.Duration `yaml:"query_timeout" json:"query_timeout"`
	IngestTimeout time.Duration `yaml:"ingest_timeout" json:"ingest_timeout"`
}

// ProviderConfig bootstraps one registry entry at startup.
type ProviderConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Type      string        `yaml:"type" json:"type"` // "remote" or "mock"
	Endpoint  string        `yaml:"endpoint" json:"endpoint"`
	Model     string        `yaml:"model" json:"model"`
	Dimension int           `yaml:"dimension" json:"dimension"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`

	// CacheSize enables an LRU embedding cache in front of the provider.
	// Zero disables caching.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// LoggingConfig mirrors the logging setup options.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Version: 1,
		Manager: ManagerConfig{
			MaxInstances:             100,
			OffloadDir:               filepath.Join(home, ".annex", "offload"),
			DefaultInactivityTimeout: 30 * time.Minute,
			DefaultEmbeddingModel:    "",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  3,
		},
	}
}

// Load reads the configuration from path. An empty path falls back to
// ./annex.yaml, then to the defaults if no file is present. Environment
// variables are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultFileName
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// fall through to defaults
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvOffloadDir); v != "" {
		c.Manager.OffloadDir = v
	}
	if v := os.Getenv(EnvMaxInstances); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Manager.MaxInstances = n
		}
	}
	if v := os.Getenv(EnvDefaultModel); v != "" {
		c.Manager.DefaultEmbeddingModel = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Manager.MaxInstances < 0 {
		return fmt.Errorf("manager.max_instances must not be negative, got %d", c.Manager.MaxInstances)
	}
	if c.Manager.OffloadDir == "" {
		return fmt.Errorf("manager.offload_dir must not be empty")
	}
	if c.Manager.DefaultInactivityTimeout < 0 {
		return fmt.Errorf("manager.default_inactivity_timeout must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id must not be empty", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true

		switch p.Type {
		case "mock":
		case "remote":
			if p.Endpoint == "" {
				return fmt.Errorf("provider %q: endpoint is required for remote providers", p.ID)
			}
			if p.Dimension <= 0 {
				return fmt.Errorf("provider %q: dimension must be positive", p.ID)
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
