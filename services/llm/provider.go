// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides chat-completion providers for the assisted lens agents.
//
// Every provider implements Provider. Concrete clients exist for the
// Anthropic Messages API, OpenAI and Ollama; a Registry creates them from
// string-keyed configuration. Provider keys are held in memguard enclaves
// (see Credential) and never appear in logs.
package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("steward.llm")

// Role is the author of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a completion request.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage returns a system-role message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// UserMessage returns a user-role message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage returns an assistant-role message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// DefaultModel is the model used when a CompletionConfig names none.
const DefaultModel = "claude-sonnet-4-5-20250514"

// CompletionConfig controls one completion call.
type CompletionConfig struct {
	// Model is the provider model id.
	Model string `json:"model" yaml:"model"`

	// MaxTokens caps the completion length.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// Temperature is the sampling temperature. Zero is sent as "unset" by
	// providers that treat omission as deterministic.
	Temperature float64 `json:"temperature" yaml:"temperature"`

	// Timeout bounds the HTTP round trip.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// PromptCaching marks system content as cacheable where supported.
	PromptCaching bool `json:"prompt_caching" yaml:"prompt_caching"`
}

// DefaultCompletionConfig returns the settings used by the lens agents:
// 500 tokens, temperature 0, 15s timeout, prompt caching on.
func DefaultCompletionConfig() CompletionConfig {
	return CompletionConfig{
		Model:         DefaultModel,
		MaxTokens:     500,
		Temperature:   0,
		Timeout:       15 * time.Second,
		PromptCaching: true,
	}
}

// WithModel returns a copy of c using model.
func (c CompletionConfig) WithModel(model string) CompletionConfig {
	c.Model = model
	return c
}

// TokenUsage reports the tokens consumed by one call.
type TokenUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// CompletionResponse is the text of a completion plus accounting data.
type CompletionResponse struct {
	Content    string     `json:"content"`
	Usage      TokenUsage `json:"usage"`
	Model      string     `json:"model"`
	StopReason string     `json:"stop_reason,omitempty"`
}

// Provider is a chat-completion backend.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Provider interface {
	// Complete sends messages and returns the model's reply. Failures are
	// returned as *ProviderError.
	Complete(ctx context.Context, messages []ChatMessage, cfg CompletionConfig) (*CompletionResponse, error)

	// HealthCheck reports whether the provider is usable.
	HealthCheck(ctx context.Context) bool

	// Name identifies the provider type, e.g. "anthropic".
	Name() string
}

// EstimateTokens approximates the token count of text as one token per four
// bytes.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateMessages sums EstimateTokens over every message.
func EstimateMessages(messages []ChatMessage) int {
	n := 0
	for _, m := range messages {
		n += EstimateTokens(m.Content)
	}
	return n
}
