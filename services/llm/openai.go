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
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OpenAIDefaultModel is used when the factory config names no model.
const OpenAIDefaultModel = "gpt-4o-mini"

// OpenAIProvider calls the OpenAI chat completions API through go-openai.
type OpenAIProvider struct {
	apiKey *Credential
	model  string
	opts   clientOptions
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider. model is used when a
// CompletionConfig carries a non-OpenAI model name.
func NewOpenAIProvider(apiKey *Credential, model string, opts ...ClientOption) *OpenAIProvider {
	if model == "" {
		model = OpenAIDefaultModel
	}
	return &OpenAIProvider{
		apiKey: apiKey,
		model:  model,
		opts:   newClientOptions("", opts),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) HealthCheck(context.Context) bool {
	return p.apiKey.IsAvailable()
}

func (p *OpenAIProvider) client(key string) *openai.Client {
	config := openai.DefaultConfig(key)
	if p.opts.baseURL != "" {
		config.BaseURL = p.opts.baseURL
	}
	config.HTTPClient = p.opts.httpClient
	return openai.NewClientWithConfig(config)
}

// resolveModel keeps Anthropic defaults from leaking into OpenAI requests.
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" || strings.HasPrefix(model, "claude") {
		return p.model
	}
	return model
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// Complete sends a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []ChatMessage, cfg CompletionConfig) (*CompletionResponse, error) {
	model := p.resolveModel(cfg.Model)
	ctx, span := tracer.Start(ctx, "llm.OpenAIProvider.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	key, err := p.apiKey.Reveal()
	if err != nil || key == "" {
		perr := authError("OPENAI_API_KEY not configured")
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}
	if err := p.opts.wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := requestContext(ctx, cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:               model,
		Messages:            toOpenAIMessages(messages),
		MaxCompletionTokens: cfg.MaxTokens,
		Temperature:         float32(cfg.Temperature),
	}
	resp, err := p.client(key).CreateChatCompletion(ctx, req)
	if err != nil {
		perr := openAIError(err, cfg)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		p.opts.logger.Warn("OpenAI API call failed", "error", perr)
		return nil, perr
	}
	if len(resp.Choices) == 0 {
		return nil, parseError(errors.New("response has no choices"))
	}

	usage := TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if resp.Usage.PromptTokensDetails != nil {
		usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	return &CompletionResponse{
		Content:    resp.Choices[0].Message.Content,
		Usage:      usage,
		Model:      resp.Model,
		StopReason: string(resp.Choices[0].FinishReason),
	}, nil
}

func openAIError(err error, cfg CompletionConfig) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return rateLimited(0)
		case http.StatusUnauthorized, http.StatusForbidden:
			return authError(apiErr.Message)
		}
		return apiError(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return rateLimited(0)
		}
		if reqErr.HTTPStatusCode != 0 {
			return apiError(reqErr.HTTPStatusCode, reqErr.Error())
		}
	}
	return transportError(err, cfg.Timeout)
}

// OpenAIFactory builds OpenAIProviders.
//
// Config keys: api_key (or OPENAI_API_KEY, or /run/secrets/openai_api_key),
// base_url, model.
type OpenAIFactory struct{}

var _ Factory = OpenAIFactory{}

func (OpenAIFactory) ProviderType() string { return "openai" }

func (OpenAIFactory) Description() string { return "OpenAI chat completions provider" }

func (OpenAIFactory) DefaultConfig() Config {
	return Config{"model": OpenAIDefaultModel}
}

func (OpenAIFactory) ValidateConfig(cfg Config) error {
	if u := cfg["base_url"]; u != "" && !validBaseURL(u) {
		return NotConfigured("base_url must start with http:// or https://, got %q", u)
	}
	return nil
}

func (f OpenAIFactory) Create(cfg Config, opts ...ClientOption) (Provider, error) {
	if err := f.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	key, err := CredentialFromConfigOrEnv(cfg, "api_key", "OPENAI_API_KEY", "openai_api_key")
	if err != nil {
		return nil, err
	}
	if u := cfg["base_url"]; u != "" {
		opts = append(opts, WithBaseURL(u))
	}
	return NewOpenAIProvider(key, cfg["model"], opts...), nil
}
