// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agents defines assisted lens agents.
//
// # Description
//
// A LensAgent evaluates one lens with help from a language model. Agents are
// isolated: an agent never sees another lens's finding and holds no mutable
// state shared with other agents. Every finding an agent returns has passed
// evidence validation; an agent that cannot back its answer returns an error
// and the caller falls back to the deterministic lens.
package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/steward/services/llm"
	"github.com/AleutianAI/steward/services/steward/types"
)

// Agent defaults.
const (
	DefaultTokenBudget = 1000
	DefaultTimeout     = 10 * time.Second
)

// LensAgent evaluates one lens, possibly with model assistance.
type LensAgent interface {
	// LensType returns the lens this agent evaluates.
	LensType() types.LensType

	// Evaluate returns a finding for the request. Errors are *AgentError.
	Evaluate(ctx context.Context, req *types.EvaluationRequest) (types.LensFinding, error)

	// TokenBudget is the per-evaluation token allowance.
	TokenBudget() int

	// Timeout bounds one Evaluate call.
	Timeout() time.Duration

	// NeedsLLM reports whether the request has anything for the model to
	// interpret. When false the deterministic lens answers alone.
	NeedsLLM(req *types.EvaluationRequest) bool
}

// ModelOverrider is implemented by agents that can retry with another model.
type ModelOverrider interface {
	EvaluateWithModel(ctx context.Context, req *types.EvaluationRequest, model string) (types.LensFinding, error)
}

// =============================================================================
// Errors
// =============================================================================

// ErrAgent is matched by every *AgentError.
var ErrAgent = errors.New("agent error")

// ErrorKind classifies an AgentError.
type ErrorKind int

const (
	KindLLM ErrorKind = iota
	KindEvidenceInvalid
	KindTimeout
	KindBudgetExceeded
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindLLM:
		return "llm"
	case KindEvidenceInvalid:
		return "evidence_invalid"
	case KindTimeout:
		return "timeout"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// AgentError is the error returned by LensAgent.Evaluate.
type AgentError struct {
	Kind    ErrorKind
	Message string

	// Timeout is set for KindTimeout.
	Timeout time.Duration

	Err error
}

func (e *AgentError) Error() string {
	switch e.Kind {
	case KindLLM:
		return "LLM call failed: " + e.Message
	case KindEvidenceInvalid:
		return "Evidence validation failed: " + e.Message
	case KindTimeout:
		return fmt.Sprintf("Timeout after %s", e.Timeout)
	case KindBudgetExceeded:
		return "Budget exceeded"
	default:
		return "Internal error: " + e.Message
	}
}

func (e *AgentError) Unwrap() error { return e.Err }

func (e *AgentError) Is(target error) bool { return target == ErrAgent }

// KindOf extracts the kind of an *AgentError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

func llmError(err error) *AgentError {
	return &AgentError{Kind: KindLLM, Message: err.Error(), Err: err}
}

func evidenceError(err error) *AgentError {
	return &AgentError{Kind: KindEvidenceInvalid, Message: err.Error(), Err: err}
}

func timeoutError(d time.Duration, err error) *AgentError {
	return &AgentError{Kind: KindTimeout, Timeout: d, Err: err}
}

func internalError(format string, args ...any) *AgentError {
	return &AgentError{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// Usage reporting
// =============================================================================

// UsageFunc receives the token usage of each model call.
type UsageFunc func(usage llm.TokenUsage, model string)

type usageKey struct{}

// WithUsage returns a context whose model calls report usage to fn.
func WithUsage(ctx context.Context, fn UsageFunc) context.Context {
	return context.WithValue(ctx, usageKey{}, fn)
}

func reportUsage(ctx context.Context, usage llm.TokenUsage, model string) {
	if fn, ok := ctx.Value(usageKey{}).(UsageFunc); ok && fn != nil {
		fn(usage, model)
	}
}
