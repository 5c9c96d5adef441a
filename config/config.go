// Package config loads the YAML configuration shared by gojosession
// binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojosession/core/session"
	"github.com/sushant-115/gojosession/core/store"
	"github.com/sushant-115/gojosession/core/store/boltstore"
	"github.com/sushant-115/gojosession/core/store/memstore"
	"github.com/sushant-115/gojosession/pkg/logger"
	"github.com/sushant-115/gojosession/pkg/telemetry"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
)

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	// Backend is "memory" or "bolt".
	Backend string `yaml:"backend"`
	// Path is the bolt database file. Required for the bolt backend.
	Path string `yaml:"path"`
	// Partitions is the number of partitions partition keys route to.
	Partitions int `yaml:"partitions"`
	// OpenTimeout bounds the wait for the bolt file lock.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// BeginTimeout bounds the wait for the bolt writer in Begin.
	BeginTimeout time.Duration `yaml:"begin_timeout"`
}

// Config is the root of a gojosession configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Store     StoreConfig      `yaml:"store"`
	Session   session.Config   `yaml:"session"`
}

// Default returns the configuration used when no file is given: an
// in-memory store, info logging to stderr and telemetry off.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName: logger.DefaultService,
		},
		Store:   StoreConfig{Backend: BackendMemory, Partitions: 1},
		Session: session.Config{LockMode: "read_committed", HandlerKind: "plain"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document does not set,
// and validates the result. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse yaml: %w", err)
	}
	return cfg.Validate()
}

// Validate fills derived defaults and reports the first invalid setting.
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	switch c.Store.Backend {
	case "":
		c.Store.Backend = BackendMemory
	case BackendMemory:
	case BackendBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Partitions <= 0 {
		c.Store.Partitions = 1
	}
	if c.Store.OpenTimeout < 0 {
		return fmt.Errorf("store.open_timeout must not be negative")
	}
	if c.Store.BeginTimeout < 0 {
		return fmt.Errorf("store.begin_timeout must not be negative")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = logger.DefaultService
	}
	if _, _, err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// Open opens the configured store. The caller closes it.
func (s StoreConfig) Open(log *zap.Logger) (store.Store, error) {
	switch s.Backend {
	case BackendBolt:
		bs, err := boltstore.Open(boltstore.Config{
			Path:         s.Path,
			OpenTimeout:  s.OpenTimeout,
			BeginTimeout: s.BeginTimeout,
			Partitions:   s.Partitions,
		}, log)
		if err != nil {
			return nil, err
		}
		return bs, nil
	case BackendMemory, "":
		return memstore.New(memstore.WithLogger(log), memstore.WithPartitions(s.Partitions)), nil
	default:
		return nil, fmt.Errorf("unknown store.backend %q", s.Backend)
	}
}
