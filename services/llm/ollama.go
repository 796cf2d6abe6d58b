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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// OllamaBaseURL is used when neither config nor OLLAMA_BASE_URL is set.
	OllamaBaseURL = "http://localhost:11434"

	// OllamaDefaultModel is used when no model is configured.
	OllamaDefaultModel = "llama3.1"
)

// OllamaProvider calls a local Ollama server's /api/chat endpoint. It needs
// no credential, so everything stays on the machine.
type OllamaProvider struct {
	model string
	opts  clientOptions
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates a provider for model.
func NewOllamaProvider(model string, opts ...ClientOption) *OllamaProvider {
	if model == "" {
		model = OllamaDefaultModel
	}
	return &OllamaProvider{model: model, opts: newClientOptions(OllamaBaseURL, opts)}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string      `json:"model"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// HealthCheck asks the server for its model list.
func (p *OllamaProvider) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.opts.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (p *OllamaProvider) resolveModel(model string) string {
	if model == "" || strings.HasPrefix(model, "claude") || strings.HasPrefix(model, "gpt-") {
		return p.model
	}
	return model
}

// Complete sends a non-streaming chat request with JSON output requested.
func (p *OllamaProvider) Complete(ctx context.Context, messages []ChatMessage, cfg CompletionConfig) (*CompletionResponse, error) {
	model := p.resolveModel(cfg.Model)
	ctx, span := tracer.Start(ctx, "llm.OllamaProvider.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.num_messages", len(messages)))

	resp, err := p.complete(ctx, model, messages, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (p *OllamaProvider) complete(ctx context.Context, model string, messages []ChatMessage, cfg CompletionConfig) (*CompletionResponse, error) {
	if err := p.opts.wait(ctx); err != nil {
		return nil, err
	}

	options := map[string]any{"temperature": cfg.Temperature}
	if cfg.MaxTokens > 0 {
		options["num_predict"] = cfg.MaxTokens
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Format:   "json",
		Options:  options,
	})
	if err != nil {
		return nil, parseError(fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := requestContext(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, httpError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.opts.httpClient.Do(req)
	if err != nil {
		p.opts.logger.Warn("Ollama API call failed", "error", err)
		return nil, transportError(err, cfg.Timeout)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, cfg.Timeout)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		if resp.StatusCode == http.StatusNotFound && strings.Contains(msg, "not found") {
			msg = fmt.Sprintf("model '%s' not found. Please run: 'ollama pull %s'", model, model)
		}
		return nil, apiError(resp.StatusCode, msg)
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, parseError(err)
	}
	return &CompletionResponse{
		Content: parsed.Message.Content,
		Usage: TokenUsage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
		},
		Model:      parsed.Model,
		StopReason: parsed.DoneReason,
	}, nil
}

// OllamaFactory builds OllamaProviders.
//
// Config keys: base_url (or OLLAMA_BASE_URL), model (or OLLAMA_MODEL).
type OllamaFactory struct{}

var _ Factory = OllamaFactory{}

func (OllamaFactory) ProviderType() string { return "ollama" }

func (OllamaFactory) Description() string { return "Local Ollama server, no API key required" }

func (OllamaFactory) DefaultConfig() Config {
	return Config{"model": OllamaDefaultModel}
}

func (OllamaFactory) ValidateConfig(cfg Config) error {
	if u := cfg["base_url"]; u != "" && !validBaseURL(u) {
		return NotConfigured("base_url must start with http:// or https://, got %q", u)
	}
	return nil
}

func (f OllamaFactory) Create(cfg Config, opts ...ClientOption) (Provider, error) {
	if err := f.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	baseURL := cfg["base_url"]
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	if baseURL != "" {
		if !validBaseURL(baseURL) {
			return nil, NotConfigured("OLLAMA_BASE_URL must start with http:// or https://, got %q", baseURL)
		}
		opts = append(opts, WithBaseURL(baseURL))
	}
	model := cfg["model"]
	if m := os.Getenv("OLLAMA_MODEL"); m != "" && model == OllamaDefaultModel {
		model = m
	}
	return NewOllamaProvider(model, opts...), nil
}
