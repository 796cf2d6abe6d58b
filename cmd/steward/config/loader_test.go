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
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/steward/pkg/logging"
	"github.com/AleutianAI/steward/services/steward/types"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".steward", "steward.yaml")

	if err := createDefault(configPath); err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var cfg StewardConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if cfg.Provider.Type != ProviderNone {
		t.Errorf("Provider.Type = %q, want %q", cfg.Provider.Type, ProviderNone)
	}
	if cfg.Meta.Version != CurrentConfigVersion {
		t.Errorf("Meta.Version = %q, want %q", cfg.Meta.Version, CurrentConfigVersion)
	}
	if cfg.Orchestrator.CircuitBreaker.RecoveryTimeout != 30*time.Second {
		t.Errorf("RecoveryTimeout = %v, want 30s", cfg.Orchestrator.CircuitBreaker.RecoveryTimeout)
	}
}

func TestWriteDefault_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.yaml")
	require.NoError(t, os.WriteFile(path, []byte("meta: {version: \"0\"}\n"), 0600))

	err := WriteDefault(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, WriteDefault(path, true))
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentConfigVersion, cfg.Meta.Version)
}

func TestDefaultConfig_RoundTrips(t *testing.T) {
	data, err := Marshal(DefaultConfig())
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Orchestrator.Budget, cfg.Orchestrator.Budget)
	assert.Equal(t, DefaultConfig().Provider.Completion, cfg.Provider.Completion)
	assert.Equal(t, DefaultConfig().Server.Addr, cfg.Server.Addr)
}

func TestParse_MergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
provider:
  type: anthropic
  lenses: [boundaries_safety, dignity_inclusion]
orchestrator:
  budget:
    global_max_tokens: 20000
  lens_timeouts:
    boundaries_safety: 3s
  fallbacks: [cache, "simpler_model:claude-haiku-4-5", deterministic]
store:
  enabled: true
  path: /var/lib/steward
extensions:
  - name: healthcare
    settings: {phi_detection_strict: "true"}
`))
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider.Type)
	assert.True(t, cfg.Provider.Enabled())
	assert.Equal(t, []types.LensType{types.LensDignity, types.LensBoundaries}, cfg.Provider.AssistedLenses(),
		"assisted lenses follow canonical order")
	assert.Equal(t, 20000, cfg.Orchestrator.Budget.GlobalMaxTokens)
	assert.Equal(t, DefaultConfig().Orchestrator.Budget.PerLensMaxTokens, cfg.Orchestrator.Budget.PerLensMaxTokens,
		"unset keys keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Orchestrator.LensTimeouts["boundaries_safety"])
	assert.Equal(t, "/var/lib/steward", cfg.Store.Path)
	assert.True(t, cfg.Store.SyncWrites, "inline store defaults survive")
	assert.Equal(t, DefaultConfig().Provider.Completion.Model, cfg.Provider.Completion.Model)

	exts, err := cfg.MetadataExtensions()
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "healthcare", exts[0].Name())
}

func TestParse_Empty(t *testing.T) {
	for _, in := range []string{"", "# nothing here\n"} {
		cfg, err := Parse([]byte(in))
		require.NoError(t, err)
		assert.Equal(t, ProviderNone, cfg.Provider.Type)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown key", "providr: {type: openai}", "field providr not found"},
		{"bad level", "logging: {level: loud}", "logging.level"},
		{"unknown provider", "provider: {type: bard}", `unknown provider "bard"`},
		{"unknown lens", "provider: {type: openai, lenses: [kindness]}", "provider.lenses"},
		{"bad timeout lens", "orchestrator: {lens_timeouts: {speed: 1s}}", "orchestrator.lens_timeouts"},
		{"zero timeout", "orchestrator: {lens_timeouts: {restraint_privacy: 0s}}", "must be positive"},
		{"bad fallback", "orchestrator: {fallbacks: [retry_forever]}", "orchestrator.fallbacks"},
		{"store without path", "store: {enabled: true, path: \"\"}", "store.path"},
		{"unknown extension", "extensions: [{name: retail}]", "extensions[0]"},
		{"negative rate", "provider: {rate_limit: -1}", "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error containing %q", tt.yaml, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/steward/steward.yaml")
	p, err := Path()
	require.NoError(t, err)
	assert.Equal(t, "/etc/steward/steward.yaml", p)

	t.Setenv(EnvConfigPath, "")
	t.Setenv("HOME", "/home/op")
	p, err = Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/op", ".steward", "steward.yaml"), p)
}

func TestMarshal_RedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.APIToken = "tok-123"
	cfg.Provider.Settings = map[string]string{"api_key": "sk-live", "base_url": "http://localhost:11434"}

	data, err := Marshal(cfg)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "tok-123")
	assert.NotContains(t, out, "sk-live")
	assert.Contains(t, out, "http://localhost:11434")
	assert.Equal(t, "sk-live", cfg.Provider.Settings["api_key"], "caller's map is not modified")
}

func TestLoggerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.JSON = true

	lc, err := cfg.LoggerConfig("")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelInfo, lc.Level)
	assert.True(t, lc.JSON)

	lc, err = cfg.LoggerConfig("debug")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)

	_, err = cfg.LoggerConfig("chatty")
	assert.Error(t, err)
}

func TestResolvedAPIToken(t *testing.T) {
	s := ServerConfig{APIToken: "from-file"}
	t.Setenv("STEWARD_API_TOKEN", "")
	assert.Equal(t, "from-file", s.ResolvedAPIToken())
	t.Setenv("STEWARD_API_TOKEN", "from-env")
	assert.Equal(t, "from-env", s.ResolvedAPIToken())
}
