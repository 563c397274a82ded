// Package config holds the store engine's configuration and loading logic.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config tunes a store instance. Load overlays a YAML file on top of
// Default(), so absent keys keep their defaults.
type Config struct {
	// Directory is the data directory holding journal files, the live
	// index, and index snapshots. Required.
	Directory string `yaml:"directory"`

	// Sync controls whether a unit of work that asked for durability gets
	// an fsync of the journal before its completion callback runs.
	Sync bool `yaml:"sync"`

	// VerifyChecksums verifies index block checksums on every read.
	VerifyChecksums bool `yaml:"verify_checksums"`
	// ParanoidChecks enables the KV library's strictest integrity checking.
	ParanoidChecks bool `yaml:"paranoid_checks"`

	// LogSize is the rotation threshold per journal file, in bytes.
	LogSize int64 `yaml:"log_size"`
	// LogWriteBufferSize is the journal appender's buffer, in bytes.
	LogWriteBufferSize int `yaml:"log_write_buffer_size"`

	// Index options passed through to the KV library. Zero values defer to
	// the library's defaults.
	IndexMaxOpenFiles         int    `yaml:"index_max_open_files"`
	IndexBlockRestartInterval int    `yaml:"index_block_restart_interval"`
	IndexBlockSize            int    `yaml:"index_block_size"`
	IndexWriteBufferSize      int    `yaml:"index_write_buffer_size"`
	IndexCompression          string `yaml:"index_compression"`
	IndexCacheSize            int64  `yaml:"index_cache_size"`

	// IndexFactory is a comma-separated list of KV backends tried in order.
	IndexFactory string `yaml:"index_factory"`
}

// Default returns the canonical defaults. Directory stays empty — it has no
// sensible default and Validate rejects it.
func Default() *Config {
	return &Config{
		Sync:               true,
		LogSize:            100 * 1024 * 1024,
		LogWriteBufferSize: 4 * 1024 * 1024,
		IndexCompression:   "snappy",
		IndexFactory:       "leveldb,bolt",
	}
}

// Load reads the YAML file at path and overlays it on Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for consistency. It returns the first error found.
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.New("directory must not be empty")
	}
	if c.LogSize <= 0 {
		return errors.New("log_size must be positive")
	}
	if c.LogWriteBufferSize <= 0 {
		return errors.New("log_write_buffer_size must be positive")
	}
	switch c.IndexCompression {
	case "", "snappy", "none":
	default:
		return fmt.Errorf("index_compression must be %q or %q, got %q", "snappy", "none", c.IndexCompression)
	}
	return nil
}
