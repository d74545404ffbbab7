// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the CXDB server.
//
// Configuration comes from a single YAML file named by the CXDB_CONFIG
// environment variable or the --config flag. Every field has a usable
// default, so the file is optional for development; the environment
// variables CXDB_DATA_DIR, CXDB_BIND, and CXDB_HTTP_BIND override the
// corresponding fields for container deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the CXDB server.
type Config struct {
	// DataDir is the root of all persisted state: blobs/, turns/,
	// and registry/ live under it.
	DataDir string `yaml:"data_dir"`

	// Bind is the listen address for the binary protocol.
	Bind string `yaml:"bind"`

	// HTTPBind is the listen address for the HTTP read gateway.
	HTTPBind string `yaml:"http_bind"`

	// RegistrySeedDir optionally names a directory of *.json /
	// *.jsonc bundle files ingested at startup.
	RegistrySeedDir string `yaml:"registry_seed_dir"`

	// StrictTypes rejects APPEND_TURN requests whose declared
	// (type_id, type_version) is unknown to the registry. The
	// default is storage-first: unknown types are stored and only
	// projection requires a descriptor.
	StrictTypes bool `yaml:"strict_types"`

	// MaxPayloadBytes caps the uncompressed payload of one turn.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// MaxInflightPerConn caps concurrently processing requests per
	// binary-protocol connection; excess requests get an ERROR.
	MaxInflightPerConn int `yaml:"max_inflight_per_conn"`
}

// Default returns the development defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		DataDir:            filepath.Join(homeDir, ".cache", "cxdb"),
		Bind:               ":9009",
		HTTPBind:           ":9010",
		MaxPayloadBytes:    1 << 20,
		MaxInflightPerConn: 32,
	}
}

// Load loads configuration from the file named by CXDB_CONFIG when
// set, then applies environment overrides. With no file and no
// overrides it returns the defaults.
func Load() (*Config, error) {
	if path := os.Getenv("CXDB_CONFIG"); path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile loads configuration from a specific file path, then applies
// environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.DataDir = expandVars(cfg.DataDir)
	cfg.RegistrySeedDir = expandVars(cfg.RegistrySeedDir)
	return cfg, nil
}

// applyEnv applies the CXDB_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CXDB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CXDB_BIND"); v != "" {
		c.Bind = v
	}
	if v := os.Getenv("CXDB_HTTP_BIND"); v != "" {
		c.HTTPBind = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.Bind == "" {
		errs = append(errs, fmt.Errorf("bind is required"))
	}
	if c.HTTPBind == "" {
		errs = append(errs, fmt.Errorf("http_bind is required"))
	}
	if c.MaxPayloadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_payload_bytes must be positive"))
	}
	if c.MaxInflightPerConn <= 0 {
		errs = append(errs, fmt.Errorf("max_inflight_per_conn must be positive"))
	}
	return errors.Join(errs...)
}

// EnsurePaths creates the data directory tree.
func (c *Config) EnsurePaths() error {
	for _, dir := range []string{
		c.DataDir,
		filepath.Join(c.DataDir, "blobs"),
		filepath.Join(c.DataDir, "turns"),
		filepath.Join(c.DataDir, "registry"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// expandVars expands ${VAR} and ${VAR:-default} patterns in paths.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
