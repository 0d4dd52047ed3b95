// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration from a single YAML
// file.
//
// There is no discovery and no fallback chain: the caller names one
// file, unknown keys are rejected, and validation runs at load time
// so a bad configuration fails the process at startup rather than at
// first use.
//
// Key exports: Config, Load.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hearth-dev/hearth/lib/workspace"
)

// EngineConfig configures the model backend.
type EngineConfig struct {
	// BaseURL overrides the API origin, for proxies and tests.
	BaseURL string `yaml:"base_url"`

	// APIKeyFile is the path of a file holding the API key. Required.
	APIKeyFile string `yaml:"api_key_file"`

	// Model is the model identifier sent with every request.
	// Required.
	Model string `yaml:"model"`

	// MaxTokens caps each model turn. Defaults to 4096.
	MaxTokens int `yaml:"max_tokens"`

	// SystemPrompt is prepended to every exchange.
	SystemPrompt string `yaml:"system_prompt"`
}

// SessionConfig configures session behavior.
type SessionConfig struct {
	// TurnLimit is the per-session turn ceiling. Defaults to 20.
	TurnLimit int `yaml:"turn_limit"`
}

// ToolsConfig configures the tool layer.
type ToolsConfig struct {
	// Allowed restricts the tool set. Empty means every built-in
	// tool.
	Allowed []string `yaml:"allowed"`

	MaxFileBytes   int `yaml:"max_file_bytes"`
	MaxReadLines   int `yaml:"max_read_lines"`
	MaxMatches     int `yaml:"max_matches"`
	MaxListEntries int `yaml:"max_list_entries"`
}

// Config is the complete daemon configuration.
type Config struct {
	// Listen is the HTTP listen address. Required.
	Listen string `yaml:"listen"`

	// DataDir holds the database and the vault key file. Required.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
	Tools   ToolsConfig   `yaml:"tools"`

	// Workspaces names the servable workspaces. At least one is
	// required.
	Workspaces []workspace.Definition `yaml:"workspaces"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var loaded Config
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&loaded); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := loaded.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &loaded, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("data_dir must be absolute")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Engine.Model == "" {
		return fmt.Errorf("engine.model is required")
	}
	if c.Engine.APIKeyFile == "" {
		return fmt.Errorf("engine.api_key_file is required")
	}
	if len(c.Workspaces) == 0 {
		return fmt.Errorf("at least one workspace is required")
	}
	return nil
}

// DatabasePath returns the SQLite file location under the data
// directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "hearth.db")
}

// VaultKeyPath returns the vault identity key location under the data
// directory.
func (c *Config) VaultKeyPath() string {
	return filepath.Join(c.DataDir, "vault.key")
}
