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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// AnthropicBaseURL is the public Messages API root.
	AnthropicBaseURL = "https://api.anthropic.com/v1"

	anthropicVersion = "2023-06-01"
)

// AnthropicProvider calls the Anthropic Messages API.
//
// System messages are sent in the top-level "system" field; when prompt
// caching is enabled they are marked as ephemeral cache blocks so the shared
// governance prompts are billed at cache-read rates after the first call.
type AnthropicProvider struct {
	apiKey *Credential
	opts   clientOptions
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates a provider using apiKey.
func NewAnthropicProvider(apiKey *Credential, opts ...ClientOption) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey: apiKey,
		opts:   newClientOptions(AnthropicBaseURL, opts),
	}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// HealthCheck reports whether an API key is configured. It makes no request.
func (p *AnthropicProvider) HealthCheck(context.Context) bool {
	return p.apiKey.IsAvailable()
}

type anthropicCacheControl struct {
	Type string `json:"type"`
}

type anthropicContentBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens"`
	System      []anthropicContentBlock `json:"system,omitempty"`
	Messages    []anthropicMessage      `json:"messages"`
	Temperature *float64                `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func buildAnthropicRequest(messages []ChatMessage, cfg CompletionConfig) anthropicRequest {
	req := anthropicRequest{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Messages:  make([]anthropicMessage, 0, len(messages)),
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		req.Temperature = &t
	}

	for _, m := range messages {
		block := anthropicContentBlock{Type: "text", Text: m.Content}
		if m.Role == RoleSystem {
			if cfg.PromptCaching {
				block.CacheControl = &anthropicCacheControl{Type: "ephemeral"}
			}
			req.System = append(req.System, block)
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{
			Role:    string(m.Role),
			Content: []anthropicContentBlock{block},
		})
	}
	return req
}

// Complete sends one Messages API request.
//
// Description:
//
//	Waits on the client rate limiter, applies cfg.Timeout, posts to
//	{base}/messages and joins the text blocks of the reply.
//
// Outputs:
//
//	*CompletionResponse - Content, usage including cache tokens, model and
//	    stop reason.
//	error - *ProviderError: KindAuth without a key, KindRateLimited on 429
//	    (RetryAfter from the retry-after header), KindAPI on other non-2xx,
//	    KindTimeout, KindHTTP, KindParse.
func (p *AnthropicProvider) Complete(ctx context.Context, messages []ChatMessage, cfg CompletionConfig) (*CompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.AnthropicProvider.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", cfg.Model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := p.complete(ctx, messages, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Int("llm.cache_read_tokens", resp.Usage.CacheReadTokens),
	)
	return resp, nil
}

func (p *AnthropicProvider) complete(ctx context.Context, messages []ChatMessage, cfg CompletionConfig) (*CompletionResponse, error) {
	key, err := p.apiKey.Reveal()
	if err != nil {
		return nil, authError(err.Error())
	}
	if key == "" {
		return nil, authError("ANTHROPIC_API_KEY not configured")
	}
	if err := p.opts.wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildAnthropicRequest(messages, cfg))
	if err != nil {
		return nil, parseError(fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := requestContext(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, httpError(err)
	}
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("content-type", "application/json")

	start := time.Now()
	resp, err := p.opts.httpClient.Do(req)
	if err != nil {
		p.opts.logger.Warn("Anthropic API call failed", "error", err)
		return nil, transportError(err, cfg.Timeout)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, cfg.Timeout)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, rateLimited(parseRetryAfter(resp.Header.Get("retry-after")))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr anthropicErrorResponse
		msg := strings.TrimSpace(string(respBody))
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, authError(msg)
		}
		return nil, apiError(resp.StatusCode, msg)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, parseError(err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	p.opts.logger.Debug("Anthropic completion",
		slog.String("model", parsed.Model),
		slog.Int("input_tokens", parsed.Usage.InputTokens),
		slog.Int("output_tokens", parsed.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)))

	return &CompletionResponse{
		Content: text.String(),
		Usage: TokenUsage{
			PromptTokens:        parsed.Usage.InputTokens,
			CompletionTokens:    parsed.Usage.OutputTokens,
			CacheReadTokens:     parsed.Usage.CacheReadInputTokens,
			CacheCreationTokens: parsed.Usage.CacheCreationInputTokens,
		},
		Model:      parsed.Model,
		StopReason: parsed.StopReason,
	}, nil
}

// parseRetryAfter reads a retry-after header given in seconds.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// =============================================================================
// Factory
// =============================================================================

// AnthropicFactory builds AnthropicProviders from configuration.
//
// Config keys: api_key (or ANTHROPIC_API_KEY, or /run/secrets/anthropic_api_key),
// base_url, model, prompt_caching.
type AnthropicFactory struct{}

var _ Factory = AnthropicFactory{}

func (AnthropicFactory) ProviderType() string { return "anthropic" }

func (AnthropicFactory) Description() string {
	return "Anthropic Claude provider with prompt caching support"
}

func (AnthropicFactory) DefaultConfig() Config {
	return Config{"model": DefaultModel, "prompt_caching": "true"}
}

func (AnthropicFactory) ValidateConfig(cfg Config) error {
	if u, ok := cfg["base_url"]; ok && u != "" && !validBaseURL(u) {
		return NotConfigured("base_url must start with http:// or https://, got %q", u)
	}
	if v, ok := cfg["prompt_caching"]; ok && v != "" {
		if _, err := strconv.ParseBool(v); err != nil {
			return NotConfigured("prompt_caching must be a boolean, got %q", v)
		}
	}
	return nil
}

func (f AnthropicFactory) Create(cfg Config, opts ...ClientOption) (Provider, error) {
	if err := f.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	key, err := CredentialFromConfigOrEnv(cfg, "api_key", "ANTHROPIC_API_KEY", "anthropic_api_key")
	if err != nil {
		return nil, err
	}
	if u := cfg["base_url"]; u != "" {
		opts = append(opts, WithBaseURL(u))
	}
	return NewAnthropicProvider(key, opts...), nil
}
