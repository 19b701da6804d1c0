// Package config is the on-disk configuration for pagemark-agent.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Zero values mean "use the default";
// ApplyDefaults fills them in after Load.
type Config struct {
	// StateDir holds the agent's durable state (databases, telemetry,
	// fallback store). If empty, ~/.pagemark is used.
	StateDir string `yaml:"state_dir,omitempty"`

	// HostEndpoint is the base URL of the document-host automation bridge.
	// Required to run the agent as a standalone process; embedders wire a
	// host implementation directly instead.
	HostEndpoint string `yaml:"host_endpoint,omitempty"`

	// RepairEndpoint is the base URL of the plan repair service. If empty,
	// failed plans are not repaired and fail after the first attempt.
	RepairEndpoint string `yaml:"repair_endpoint,omitempty"`

	// MaxAttempts is the total execution budget per plan block, the first
	// attempt included.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	Ledger LedgerConfig `yaml:"ledger,omitempty"`
	Store  StoreConfig  `yaml:"store,omitempty"`
	Bucket BucketConfig `yaml:"bucket,omitempty"`

	// NoticeDedupSeconds is the window within which repeated failure
	// notices for the same (message, block) are suppressed.
	NoticeDedupSeconds int `yaml:"notice_dedup_seconds,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

type LedgerConfig struct {
	// MaxEntries caps block-run rows; oldest terminal rows are evicted
	// first.
	MaxEntries int `yaml:"max_entries,omitempty"`
}

type StoreConfig struct {
	// MaxEntries and MaxValueBytes cap the primary (sqlite) store.
	MaxEntries    int `yaml:"max_entries,omitempty"`
	MaxValueBytes int `yaml:"max_value_bytes,omitempty"`

	// FallbackMaxEntries and FallbackMaxValueBytes cap the secondary
	// (flat-file) store used when sqlite is unavailable.
	FallbackMaxEntries    int `yaml:"fallback_max_entries,omitempty"`
	FallbackMaxValueBytes int `yaml:"fallback_max_value_bytes,omitempty"`
}

type BucketConfig struct {
	// MaxMessages and MaxChars bound each session's message bucket.
	MaxMessages int `yaml:"max_messages,omitempty"`
	MaxChars    int `yaml:"max_chars,omitempty"`
}

const (
	defaultMaxAttempts        = 3
	defaultNoticeDedupSeconds = 30
)

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.NoticeDedupSeconds <= 0 {
		c.NoticeDedupSeconds = defaultNoticeDedupSeconds
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	for name, raw := range map[string]string{
		"host_endpoint":   c.HostEndpoint,
		"repair_endpoint": c.RepairEndpoint,
	} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

// DefaultStateDir returns ~/.pagemark, falling back to a relative directory
// when the home dir cannot be resolved.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".pagemark"
	}
	return filepath.Join(home, ".pagemark")
}

// DefaultConfigPath returns the default config path:
//
//	~/.pagemark/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// Load reads and validates a config file. A missing file yields a default
// config rather than an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
