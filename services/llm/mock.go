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
	"sync"
	"time"
)

// MockProvider is a scripted Provider for tests.
//
// Thread Safety:
//
//	MockProvider is safe for concurrent use.
type MockProvider struct {
	mu sync.Mutex

	// responses are returned in order, then defaultResponse.
	responses       []*CompletionResponse
	defaultResponse *CompletionResponse

	// responseFunc, when set, takes precedence over responses.
	responseFunc func([]ChatMessage, CompletionConfig) (*CompletionResponse, error)

	// err is returned from every call when set.
	err error

	// delay is applied before responding and honours ctx cancellation.
	delay time.Duration

	healthy bool
	calls   []MockCall
}

// MockCall records one Complete call.
type MockCall struct {
	Messages []ChatMessage
	Config   CompletionConfig
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider returns a healthy provider replying "{}".
func NewMockProvider() *MockProvider {
	return &MockProvider{
		defaultResponse: &CompletionResponse{Content: "{}", Model: "mock", StopReason: "end_turn"},
		healthy:         true,
	}
}

// QueueResponse appends a reply with the given content and usage.
func (m *MockProvider) QueueResponse(content string, usage TokenUsage) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := &CompletionResponse{Content: content, Usage: usage, Model: "mock", StopReason: "end_turn"}
	m.responses = append(m.responses, resp)
	return m
}

// WithResponseFunc sets a dynamic responder.
func (m *MockProvider) WithResponseFunc(f func([]ChatMessage, CompletionConfig) (*CompletionResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseFunc = f
	return m
}

// WithError makes every call fail with err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay adds latency to every call.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithHealthy sets the HealthCheck result.
func (m *MockProvider) WithHealthy(ok bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = ok
	return m
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) HealthCheck(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Complete records the call and returns the next scripted reply.
func (m *MockProvider) Complete(ctx context.Context, messages []ChatMessage, cfg CompletionConfig) (*CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Messages: append([]ChatMessage(nil), messages...), Config: cfg})
	delay, err, fn := m.delay, m.err, m.responseFunc
	resp := m.defaultResponse
	if len(m.responses) > 0 {
		resp = m.responses[0]
		m.responses = m.responses[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, timeoutError(delay, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(messages, cfg)
	}
	out := *resp
	return &out, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns the number of Complete calls.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
