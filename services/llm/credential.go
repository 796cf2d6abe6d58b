// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// SecretsDir is where container secrets are mounted. Credentials not found
// in config or the environment are read from "<SecretsDir>/<name>".
var SecretsDir = "/run/secrets"

var memguardInitOnce sync.Once

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// PurgeCredentials wipes every enclave. Call once during shutdown; existing
// Credentials become unusable.
func PurgeCredentials() {
	memguard.Purge()
}

// CredentialSource records where a credential came from.
type CredentialSource int

const (
	SourceConfig CredentialSource = iota
	SourceEnvironment
	SourceSecretFile
	SourceProgrammatic
)

func (s CredentialSource) String() string {
	switch s {
	case SourceConfig:
		return "config"
	case SourceEnvironment:
		return "environment"
	case SourceSecretFile:
		return "secret_file"
	case SourceProgrammatic:
		return "programmatic"
	default:
		return "unknown"
	}
}

// Credential is an API key sealed in a memguard enclave.
//
// The value is only reachable through Reveal. String, GoString, MarshalJSON
// and LogValue all print "[REDACTED]".
//
// Thread Safety: Safe for concurrent use; the enclave is immutable.
type Credential struct {
	enclave *memguard.Enclave
	source  CredentialSource
	name    string
}

// NewCredential seals value. The caller's copy of value is not wiped; Go
// strings are immutable.
func NewCredential(name, value string, source CredentialSource) *Credential {
	initMemguard()
	c := &Credential{source: source, name: name}
	if value != "" {
		c.enclave = memguard.NewEnclave([]byte(value))
	}
	return c
}

// Reveal decrypts the enclave and returns a copy of the secret.
func (c *Credential) Reveal() (string, error) {
	if c == nil || c.enclave == nil {
		return "", nil
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open %s credential: %w", c.name, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// IsAvailable reports whether the credential holds a non-empty value.
func (c *Credential) IsAvailable() bool {
	return c != nil && c.enclave != nil && c.enclave.Size() > 0
}

// Source returns where the credential was found.
func (c *Credential) Source() CredentialSource { return c.source }

// Name returns the credential's label, e.g. "ANTHROPIC_API_KEY".
func (c *Credential) Name() string { return c.name }

func (c *Credential) String() string {
	if c == nil {
		return "<nil credential>"
	}
	return fmt.Sprintf("%s from %s [REDACTED]", c.name, c.source)
}

func (c *Credential) GoString() string {
	if c == nil {
		return "(*llm.Credential)(nil)"
	}
	return fmt.Sprintf("llm.Credential{name:%q, source:%s, value:[REDACTED]}", c.name, c.source)
}

// MarshalJSON never includes the secret.
func (c *Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// LogValue implements slog.LogValuer.
func (c *Credential) LogValue() slog.Value {
	if c == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("name", c.name),
		slog.String("source", c.source.String()),
		slog.String("value", "[REDACTED]"),
	)
}

// CredentialFromEnv reads the environment variable envVar.
func CredentialFromEnv(envVar string) (*Credential, error) {
	value := strings.TrimSpace(os.Getenv(envVar))
	if value == "" {
		return nil, authError(fmt.Sprintf("environment variable %s not set", envVar))
	}
	return NewCredential(envVar, value, SourceEnvironment), nil
}

// CredentialFromConfigOrEnv resolves a credential from config[key], then the
// environment variable envVar, then the secret file SecretsDir/secretFile.
//
// Inputs:
//
//	config - Provider configuration. May be nil.
//	key - Config key, e.g. "api_key".
//	envVar - Environment variable, e.g. "ANTHROPIC_API_KEY".
//	secretFile - File name under SecretsDir. Empty skips the file lookup.
//
// Outputs:
//
//	*Credential - The first non-empty value found.
//	error - *ProviderError of KindAuth when nothing is found.
func CredentialFromConfigOrEnv(config map[string]string, key, envVar, secretFile string) (*Credential, error) {
	if v := strings.TrimSpace(config[key]); v != "" {
		return NewCredential(envVar, v, SourceConfig), nil
	}
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return NewCredential(envVar, v, SourceEnvironment), nil
	}
	if secretFile != "" {
		data, err := os.ReadFile(filepath.Join(SecretsDir, secretFile))
		if err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return NewCredential(envVar, v, SourceSecretFile), nil
			}
		}
	}
	return nil, authError(fmt.Sprintf("%s not provided in config (%s), environment, or %s",
		envVar, key, filepath.Join(SecretsDir, secretFile)))
}

// =============================================================================
// Credential sets
// =============================================================================

type credentialSpec struct {
	name     string
	key      string
	envVar   string
	required bool
}

// CredentialBuilder resolves several credentials from one config map.
//
//	set, err := llm.NewCredentialBuilder(cfg).
//	    Require("api_key", "api_key", "ANTHROPIC_API_KEY").
//	    Optional("org", "organization", "OPENAI_ORG_ID").
//	    Build()
type CredentialBuilder struct {
	config map[string]string
	specs  []credentialSpec
}

// NewCredentialBuilder starts a builder over config.
func NewCredentialBuilder(config map[string]string) *CredentialBuilder {
	return &CredentialBuilder{config: config}
}

// Require adds a credential that must resolve.
func (b *CredentialBuilder) Require(name, key, envVar string) *CredentialBuilder {
	b.specs = append(b.specs, credentialSpec{name: name, key: key, envVar: envVar, required: true})
	return b
}

// Optional adds a credential that may be absent.
func (b *CredentialBuilder) Optional(name, key, envVar string) *CredentialBuilder {
	b.specs = append(b.specs, credentialSpec{name: name, key: key, envVar: envVar})
	return b
}

// Build resolves every credential. The first missing required credential is
// returned as an error.
func (b *CredentialBuilder) Build() (*CredentialSet, error) {
	set := &CredentialSet{creds: make(map[string]*Credential, len(b.specs))}
	for _, s := range b.specs {
		cred, err := CredentialFromConfigOrEnv(b.config, s.key, s.envVar, "")
		if err != nil {
			if s.required {
				return nil, err
			}
			continue
		}
		set.creds[s.name] = cred
	}
	return set, nil
}

// CredentialSet is the result of CredentialBuilder.Build.
type CredentialSet struct {
	creds map[string]*Credential
}

// Get returns a credential, or a KindAuth error when it is absent.
func (s *CredentialSet) Get(name string) (*Credential, error) {
	if c, ok := s.creds[name]; ok {
		return c, nil
	}
	return nil, authError(fmt.Sprintf("credential %q not available", name))
}

// GetOptional returns a credential or nil.
func (s *CredentialSet) GetOptional(name string) *Credential {
	return s.creds[name]
}

// Has reports whether name resolved.
func (s *CredentialSet) Has(name string) bool {
	_, ok := s.creds[name]
	return ok
}

// Names returns the resolved credential names, sorted.
func (s *CredentialSet) Names() []string {
	names := make([]string, 0, len(s.creds))
	for n := range s.creds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
