// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otaforge/otaforge/lib/multipart"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected listen_addr=:8080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Upload.ManifestCapacity != multipart.DefaultManifestCapacity {
		t.Errorf("expected manifest_capacity=%d, got %d",
			multipart.DefaultManifestCapacity, cfg.Upload.ManifestCapacity)
	}
	if cfg.Upload.ChunkCapacity != multipart.DefaultChunkCapacity {
		t.Errorf("expected chunk_capacity=%d, got %d",
			multipart.DefaultChunkCapacity, cfg.Upload.ChunkCapacity)
	}
	if cfg.Staging.Compression != "zstd" {
		t.Errorf("expected compression=zstd, got %s", cfg.Staging.Compression)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresOtaforgeConfig(t *testing.T) {
	origConfig := os.Getenv("OTAFORGE_CONFIG")
	defer os.Setenv("OTAFORGE_CONFIG", origConfig)

	os.Unsetenv("OTAFORGE_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when OTAFORGE_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "OTAFORGE_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "otaforge.yaml")

	configContent := `
server:
  listen_addr: 127.0.0.1:9443

upload:
  manifest_capacity: 8192
  chunk_capacity: 2048
  ready_timeout: 10s

staging:
  dir: /custom/images
  compression: lz4

resources:
  max: 25
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9443" {
		t.Errorf("expected listen_addr=127.0.0.1:9443, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Upload.ManifestCapacity != 8192 {
		t.Errorf("expected manifest_capacity=8192, got %d", cfg.Upload.ManifestCapacity)
	}
	if cfg.Staging.Dir != "/custom/images" {
		t.Errorf("expected staging dir=/custom/images, got %s", cfg.Staging.Dir)
	}
	if cfg.Staging.Compression != "lz4" {
		t.Errorf("expected compression=lz4, got %s", cfg.Staging.Compression)
	}
	if cfg.Resources.Max != 25 {
		t.Errorf("expected resources.max=25, got %d", cfg.Resources.Max)
	}

	// Unspecified fields keep defaults.
	if cfg.Upload.FinishTimeout != "5m" {
		t.Errorf("expected finish_timeout default 5m, got %s", cfg.Upload.FinishTimeout)
	}
	if cfg.History.Dir == "" {
		t.Error("expected history.dir default, got empty")
	}
}

func TestExpandVariables(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "otaforge.yaml")

	t.Setenv("OTAFORGE_TEST_ROOT", "/srv/ota")
	configContent := `
staging:
  dir: ${OTAFORGE_TEST_ROOT}/images
history:
  dir: ${OTAFORGE_UNSET_VAR:-/fallback}/history
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Staging.Dir != "/srv/ota/images" {
		t.Errorf("expected staging dir=/srv/ota/images, got %s", cfg.Staging.Dir)
	}
	if cfg.History.Dir != "/fallback/history" {
		t.Errorf("expected history dir=/fallback/history, got %s", cfg.History.Dir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			wantErr: "server.listen_addr",
		},
		{
			name:    "tls cert without key",
			mutate:  func(c *Config) { c.Server.TLSCert = "/etc/cert.pem" },
			wantErr: "must be set together",
		},
		{
			name:    "chunk capacity too small",
			mutate:  func(c *Config) { c.Upload.ChunkCapacity = 16 },
			wantErr: "upload.chunk_capacity",
		},
		{
			name:    "bad ready timeout",
			mutate:  func(c *Config) { c.Upload.ReadyTimeout = "soon" },
			wantErr: "upload.ready_timeout",
		},
		{
			name:    "negative finish timeout",
			mutate:  func(c *Config) { c.Upload.FinishTimeout = "-1s" },
			wantErr: "upload.finish_timeout",
		},
		{
			name:    "unknown compression",
			mutate:  func(c *Config) { c.Staging.Compression = "gzip" },
			wantErr: "staging.compression",
		},
		{
			name:    "zero resources",
			mutate:  func(c *Config) { c.Resources.Max = 0 },
			wantErr: "resources.max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseTimeouts(t *testing.T) {
	cfg := Default()
	ready, err := cfg.Upload.ParseReadyTimeout()
	if err != nil {
		t.Fatalf("ParseReadyTimeout: %v", err)
	}
	if ready != 30*time.Second {
		t.Errorf("ready timeout = %v, want 30s", ready)
	}
	finish, err := cfg.Upload.ParseFinishTimeout()
	if err != nil {
		t.Fatalf("ParseFinishTimeout: %v", err)
	}
	if finish != 5*time.Minute {
		t.Errorf("finish timeout = %v, want 5m", finish)
	}
}
