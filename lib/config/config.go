// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the otaforge
// server.
//
// Configuration is loaded from a single file specified by:
//   - OTAFORGE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; the only expansion performed is
// ${VAR} and ${VAR:-default} in paths for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otaforge/otaforge/lib/imagestore"
	"github.com/otaforge/otaforge/lib/multipart"
	"github.com/otaforge/otaforge/lib/resource"
)

// Config is the master configuration for otaforge.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Upload configures the multipart reassembly pipeline.
	Upload UploadConfig `yaml:"upload"`

	// Staging configures where received images land.
	Staging StagingConfig `yaml:"staging"`

	// Resources configures the name/value registry.
	Resources ResourcesConfig `yaml:"resources"`

	// History configures the update journal.
	History HistoryConfig `yaml:"history"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the address the server binds.
	// Default: :8080
	ListenAddr string `yaml:"listen_addr"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// UploadConfig configures the multipart reassembly pipeline.
type UploadConfig struct {
	// ManifestCapacity bounds the manifest field length in bytes.
	// Default: 4096
	ManifestCapacity int `yaml:"manifest_capacity"`

	// ChunkCapacity is the firmware chunk buffer length, which is also
	// the handoff transfer unit. Default: 1024
	ChunkCapacity int `yaml:"chunk_capacity"`

	// ReadBufferSize is the network read length per iteration.
	// Default: 2048
	ReadBufferSize int `yaml:"read_buffer_size"`

	// ReadyTimeout bounds the wait for the update worker to accept the
	// manifest. Default: 30s
	ReadyTimeout string `yaml:"ready_timeout"`

	// FinishTimeout bounds the wait for the worker to complete after
	// the last chunk. Default: 5m
	FinishTimeout string `yaml:"finish_timeout"`
}

// StagingConfig configures the image staging area.
type StagingConfig struct {
	// Dir is the staging directory.
	// Default: ${OTAFORGE_ROOT}/images
	Dir string `yaml:"dir"`

	// Compression selects on-disk compression: none, lz4, or zstd.
	// Default: zstd
	Compression string `yaml:"compression"`
}

// ResourcesConfig configures the name/value registry.
type ResourcesConfig struct {
	// Max bounds the number of registered names. Default: 10
	Max int `yaml:"max"`
}

// HistoryConfig configures the update journal.
type HistoryConfig struct {
	// Dir is the journal directory.
	// Default: ${OTAFORGE_ROOT}/history
	Dir string `yaml:"dir"`
}

// Default returns the default configuration. These defaults exist to
// give every field a sensible value before the config file is merged
// in; running without a file at all is supported for development.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "otaforge")

	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Upload: UploadConfig{
			ManifestCapacity: multipart.DefaultManifestCapacity,
			ChunkCapacity:    multipart.DefaultChunkCapacity,
			ReadBufferSize:   2048,
			ReadyTimeout:     "30s",
			FinishTimeout:    "5m",
		},
		Staging: StagingConfig{
			Dir:         filepath.Join(defaultRoot, "images"),
			Compression: "zstd",
		},
		Resources: ResourcesConfig{
			Max: resource.DefaultMaxEntries,
		},
		History: HistoryConfig{
			Dir: filepath.Join(defaultRoot, "history"),
		},
	}
}

// Load loads configuration from the OTAFORGE_CONFIG environment
// variable. If the variable is not set, this fails; use LoadFile with
// an explicit path, or Default for the built-in values.
func Load() (*Config, error) {
	configPath := os.Getenv("OTAFORGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("OTAFORGE_CONFIG environment variable not set; " +
			"set it to the path of your otaforge.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging
// over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Staging.Dir = expandVars(c.Staging.Dir, vars)
	c.History.Dir = expandVars(c.History.Dir, vars)
	c.Server.TLSCert = expandVars(c.Server.TLSCert, vars)
	c.Server.TLSKey = expandVars(c.Server.TLSKey, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ParseReadyTimeout parses the ready_timeout duration string.
func (c *UploadConfig) ParseReadyTimeout() (time.Duration, error) {
	return parseDuration("upload.ready_timeout", c.ReadyTimeout)
}

// ParseFinishTimeout parses the finish_timeout duration string.
func (c *UploadConfig) ParseFinishTimeout() (time.Duration, error) {
	return parseDuration("upload.finish_timeout", c.FinishTimeout)
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", field, d)
	}
	return d, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, fmt.Errorf("server.tls_cert and server.tls_key must be set together"))
	}

	if c.Upload.ManifestCapacity <= 0 {
		errs = append(errs, fmt.Errorf("upload.manifest_capacity must be positive"))
	}
	if min := multipart.MinChunkCapacity; c.Upload.ChunkCapacity < min {
		errs = append(errs, fmt.Errorf("upload.chunk_capacity must be at least %d", min))
	}
	if c.Upload.ReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("upload.read_buffer_size must be positive"))
	}
	if _, err := c.Upload.ParseReadyTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Upload.ParseFinishTimeout(); err != nil {
		errs = append(errs, err)
	}

	if c.Staging.Dir == "" {
		errs = append(errs, fmt.Errorf("staging.dir is required"))
	}
	if _, err := imagestore.ParseCompression(c.Staging.Compression); err != nil {
		errs = append(errs, fmt.Errorf("staging.compression: %w", err))
	}

	if c.Resources.Max <= 0 {
		errs = append(errs, fmt.Errorf("resources.max must be positive"))
	}

	if c.History.Dir == "" {
		errs = append(errs, fmt.Errorf("history.dir is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
