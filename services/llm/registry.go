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
	"maps"
	"slices"
	"sync"
)

// Config is string-keyed provider configuration, as read from steward.yaml.
type Config map[string]string

// Factory creates providers of one type.
type Factory interface {
	// ProviderType is the registry key, e.g. "anthropic".
	ProviderType() string

	// Create builds a provider. Credentials are resolved here.
	Create(cfg Config, opts ...ClientOption) (Provider, error)

	// ValidateConfig checks cfg without resolving credentials.
	ValidateConfig(cfg Config) error

	// DefaultConfig returns the values merged under user config.
	DefaultConfig() Config

	// Description is a one-line summary for `steward providers`.
	Description() string
}

// Registry maps provider types to factories.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the anthropic, ollama and openai
// factories.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(AnthropicFactory{})
	r.Register(OpenAIFactory{})
	r.Register(OllamaFactory{})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.ProviderType()] = f
}

// Factory returns the factory for providerType.
func (r *Registry) Factory(providerType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[providerType]
	return f, ok
}

// Has reports whether providerType is registered.
func (r *Registry) Has(providerType string) bool {
	_, ok := r.Factory(providerType)
	return ok
}

// AvailableTypes returns the registered types in sorted order.
func (r *Registry) AvailableTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

func (r *Registry) lookup(providerType string) (Factory, error) {
	f, ok := r.Factory(providerType)
	if !ok {
		return nil, NotConfigured("Unknown provider type: '%s'. Available: %v", providerType, r.AvailableTypes())
	}
	return f, nil
}

// Create builds a provider of providerType from cfg merged over the
// factory's defaults.
func (r *Registry) Create(providerType string, cfg Config, opts ...ClientOption) (Provider, error) {
	f, err := r.lookup(providerType)
	if err != nil {
		return nil, err
	}
	p, err := f.Create(WithDefaults(f, cfg), opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", providerType, err)
	}
	return p, nil
}

// Validate checks cfg for providerType.
func (r *Registry) Validate(providerType string, cfg Config) error {
	f, err := r.lookup(providerType)
	if err != nil {
		return err
	}
	return f.ValidateConfig(WithDefaults(f, cfg))
}

// DefaultConfig returns the defaults for providerType.
func (r *Registry) DefaultConfig(providerType string) (Config, error) {
	f, err := r.lookup(providerType)
	if err != nil {
		return nil, err
	}
	return f.DefaultConfig(), nil
}

// WithDefaults returns f's defaults overlaid with cfg. Neither input is
// modified.
func WithDefaults(f Factory, cfg Config) Config {
	out := f.DefaultConfig()
	if out == nil {
		out = Config{}
	}
	maps.Copy(out, cfg)
	return out
}
