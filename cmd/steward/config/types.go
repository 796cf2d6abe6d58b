// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/steward/pkg/extensions"
	"github.com/AleutianAI/steward/pkg/logging"
	"github.com/AleutianAI/steward/pkg/telemetry"
	"github.com/AleutianAI/steward/services/llm"
	"github.com/AleutianAI/steward/services/steward/orchestrator"
	"github.com/AleutianAI/steward/services/steward/resilience"
	"github.com/AleutianAI/steward/services/steward/store"
	"github.com/AleutianAI/steward/services/steward/types"
)

// CurrentConfigVersion is written to meta.version by createDefault.
const CurrentConfigVersion = "1"

// ProviderNone disables assisted evaluation.
const ProviderNone = "none"

// StewardConfig is the top level of steward.yaml.
type StewardConfig struct {
	Meta         MetaConfig          `yaml:"meta"`
	Provider     ProviderConfig      `yaml:"provider"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Store        StoreConfig         `yaml:"store"`
	Telemetry    telemetry.Config    `yaml:"telemetry"`
	Logging      LoggingConfig       `yaml:"logging"`
	Server       ServerConfig        `yaml:"server"`
	Extensions   []ExtensionConfig   `yaml:"extensions,omitempty"`
}

// MetaConfig carries the file format version.
type MetaConfig struct {
	Version string `yaml:"version"`
}

// ProviderConfig selects the completion provider behind the lens agents.
type ProviderConfig struct {
	// Type is a registered provider type ("anthropic", "openai", "ollama")
	// or "none" for deterministic evaluation only.
	Type string `yaml:"type"`

	// Settings are passed to the provider factory. Credentials are better
	// supplied through the environment.
	Settings llm.Config `yaml:"settings,omitempty"`

	Completion llm.CompletionConfig `yaml:"completion"`

	// RateLimit is requests per second. Zero keeps the client default.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	// Lenses restricts assisted evaluation to these lens names. Empty means
	// every lens.
	Lenses []string `yaml:"lenses,omitempty"`
}

// Enabled reports whether a provider is configured.
func (p ProviderConfig) Enabled() bool {
	return p.Type != "" && p.Type != ProviderNone
}

// StoreConfig enables the Badger-backed audit journal and finding cache.
type StoreConfig struct {
	Enabled      bool `yaml:"enabled"`
	store.Config `yaml:",inline"`
}

// LoggingConfig maps onto logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

// ServerConfig configures `steward serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// Contract is the default contract file, hot-reloaded on change.
	Contract string `yaml:"contract,omitempty"`

	// APIToken enables bearer-token auth. STEWARD_API_TOKEN overrides it.
	APIToken string `yaml:"api_token,omitempty"`
}

// ExtensionConfig names a metadata extension and its settings.
type ExtensionConfig struct {
	Name     string            `yaml:"name"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() StewardConfig {
	storeCfg := store.DefaultConfig()
	storeCfg.Path = filepath.Join(stewardDir(), "data")

	return StewardConfig{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Provider: ProviderConfig{
			Type:       ProviderNone,
			Completion: llm.DefaultCompletionConfig(),
			Burst:      1,
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Store:        StoreConfig{Enabled: false, Config: storeCfg},
		Telemetry:    telemetry.DefaultConfig(),
		Logging:      LoggingConfig{Level: "info"},
		Server:       ServerConfig{Addr: "127.0.0.1:8420"},
	}
}

// Validate checks the values that would otherwise fail late, at first use.
func (c StewardConfig) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Provider.Enabled() && !llm.DefaultRegistry().Has(c.Provider.Type) {
		errs = append(errs, fmt.Errorf("provider.type: unknown provider %q", c.Provider.Type))
	}
	for _, name := range c.Provider.Lenses {
		if _, err := types.ParseLensType(name); err != nil {
			errs = append(errs, fmt.Errorf("provider.lenses: %w", err))
		}
	}
	if c.Provider.RateLimit < 0 {
		errs = append(errs, errors.New("provider.rate_limit must not be negative"))
	}
	for name, d := range c.Orchestrator.LensTimeouts {
		if _, err := types.ParseLensType(name); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator.lens_timeouts: %w", err))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("orchestrator.lens_timeouts.%s must be positive", name))
		}
	}
	if _, err := resilience.ParseFallbackChain(c.Orchestrator.Fallbacks); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.fallbacks: %w", err))
	}
	if c.Store.Enabled && !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required when the store is enabled"))
	}
	for i, ext := range c.Extensions {
		if _, err := extensions.ExtensionFromConfig(ext.Name, ext.Settings); err != nil {
			errs = append(errs, fmt.Errorf("extensions[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// AssistedLenses returns the lenses that get an agent, in canonical order.
func (p ProviderConfig) AssistedLenses() []types.LensType {
	if len(p.Lenses) == 0 {
		return append([]types.LensType(nil), types.CanonicalOrder[:]...)
	}
	want := make(map[types.LensType]bool, len(p.Lenses))
	for _, name := range p.Lenses {
		if l, err := types.ParseLensType(name); err == nil {
			want[l] = true
		}
	}
	var out []types.LensType
	for _, l := range types.CanonicalOrder {
		if want[l] {
			out = append(out, l)
		}
	}
	return out
}

// MetadataExtensions builds the configured extensions.
func (c StewardConfig) MetadataExtensions() ([]extensions.MetadataExtension, error) {
	out := make([]extensions.MetadataExtension, 0, len(c.Extensions))
	for _, ext := range c.Extensions {
		e, err := extensions.ExtensionFromConfig(ext.Name, ext.Settings)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LoggerConfig converts the logging section, applying a level override
// when non-empty.
func (c StewardConfig) LoggerConfig(levelOverride string) (logging.Config, error) {
	raw := c.Logging.Level
	if levelOverride != "" {
		raw = levelOverride
	}
	level, err := logging.ParseLevel(raw)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "steward",
		JSON:    c.Logging.JSON,
	}, nil
}

// ResolvedAPIToken returns the bearer token for the HTTP API, preferring the
// environment.
func (s ServerConfig) ResolvedAPIToken() string {
	if tok := os.Getenv("STEWARD_API_TOKEN"); tok != "" {
		return tok
	}
	return s.APIToken
}

func stewardDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}
