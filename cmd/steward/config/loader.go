// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads steward.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "STEWARD_CONFIG"

var (
	// Global is a singleton instance
	Global StewardConfig
	once   sync.Once
)

// Load ensures the config is loaded into the Global variable. A missing
// file leaves Global at DefaultConfig.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

func loadInternal() error {
	path, err := Path()
	if err != nil {
		return err
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		Global = DefaultConfig()
		return nil
	}
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// Path returns $STEWARD_CONFIG, or ~/.steward/steward.yaml.
func Path() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".steward", "steward.yaml"), nil
}

// LoadFile reads path over DefaultConfig and validates the result.
//
// # Description
//
// Keys absent from the file keep their default values, so a file holding
// only `provider: {type: anthropic}` is complete. Unknown keys are
// rejected to catch typos.
//
// # Outputs
//
//   - StewardConfig: The merged configuration.
//   - error: Wraps fs.ErrNotExist when the file is missing, or describes
//     a parse or validation failure.
func LoadFile(path string) (StewardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StewardConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return StewardConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over DefaultConfig and validates the result.
func Parse(data []byte) (StewardConfig, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return StewardConfig{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return StewardConfig{}, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating its directory. An
// existing file is left untouched unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	return createDefault(path)
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Marshal renders cfg as YAML with the API token masked.
func Marshal(cfg StewardConfig) ([]byte, error) {
	if cfg.Server.APIToken != "" {
		cfg.Server.APIToken = "[REDACTED]"
	}
	if len(cfg.Provider.Settings) > 0 {
		settings := make(map[string]string, len(cfg.Provider.Settings))
		for k, v := range cfg.Provider.Settings {
			if isSecretKey(k) {
				v = "[REDACTED]"
			}
			settings[k] = v
		}
		cfg.Provider.Settings = settings
	}
	return yaml.Marshal(cfg)
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range []string{"key", "token", "secret", "password"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
