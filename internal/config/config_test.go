package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if !cfg.Sync {
		t.Error("sync should default to true")
	}
	if cfg.LogSize != 100*1024*1024 {
		t.Errorf("log_size default = %d", cfg.LogSize)
	}
	if cfg.LogWriteBufferSize != 4*1024*1024 {
		t.Errorf("log_write_buffer_size default = %d", cfg.LogWriteBufferSize)
	}
	if cfg.IndexCompression != "snappy" {
		t.Errorf("index_compression default = %q", cfg.IndexCompression)
	}
	if cfg.IndexFactory != "leveldb,bolt" {
		t.Errorf("index_factory default = %q", cfg.IndexFactory)
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
directory: /data/store
sync: false
log_size: 1048576
index_compression: none
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Directory != "/data/store" {
		t.Errorf("directory = %q", cfg.Directory)
	}
	if cfg.Sync {
		t.Error("sync: false was not applied")
	}
	if cfg.LogSize != 1048576 {
		t.Errorf("log_size = %d", cfg.LogSize)
	}
	if cfg.IndexCompression != "none" {
		t.Errorf("index_compression = %q", cfg.IndexCompression)
	}
	// Untouched keys keep their defaults.
	if cfg.LogWriteBufferSize != 4*1024*1024 {
		t.Errorf("log_write_buffer_size = %d", cfg.LogWriteBufferSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) { c.Directory = "/data" }, false},
		{"no directory", func(c *Config) {}, true},
		{"bad log size", func(c *Config) { c.Directory = "/data"; c.LogSize = 0 }, true},
		{"bad buffer", func(c *Config) { c.Directory = "/data"; c.LogWriteBufferSize = -1 }, true},
		{"bad compression", func(c *Config) { c.Directory = "/data"; c.IndexCompression = "lz4" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
