// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/steward/services/llm"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/lenses"
	"github.com/AleutianAI/steward/services/steward/prompts"
	"github.com/AleutianAI/steward/services/steward/types"
)

var tracer = otel.Tracer("steward.agents")

// lowConfidence is the threshold below which a definite answer is treated
// as Uncertain.
const lowConfidence = 0.4

// LLMAgent evaluates one lens by asking a language model.
//
// Description:
//
//	The system message is the base governance prompt plus the lens prompt;
//	the user message lists the lens's rules, the context and the output. The
//	reply must validate against the response schema, reference only the
//	lens's rules, and carry evidence that resolves against the request.
//	Anything else is an *AgentError.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type LLMAgent struct {
	lens     types.LensType
	question string
	provider llm.Provider
	config   llm.CompletionConfig
	budget   int
	timeout  time.Duration
	needs    func(*types.EvaluationRequest) bool
	logger   *slog.Logger
}

var (
	_ LensAgent      = (*LLMAgent)(nil)
	_ ModelOverrider = (*LLMAgent)(nil)
)

// LLMAgentOption configures an LLMAgent.
type LLMAgentOption func(*LLMAgent)

// WithCompletionConfig sets the model call settings.
func WithCompletionConfig(cfg llm.CompletionConfig) LLMAgentOption {
	return func(a *LLMAgent) { a.config = cfg }
}

// WithTokenBudget sets the per-evaluation token allowance.
func WithTokenBudget(tokens int) LLMAgentOption {
	return func(a *LLMAgent) {
		if tokens > 0 {
			a.budget = tokens
		}
	}
}

// WithTimeout sets the per-evaluation timeout.
func WithTimeout(d time.Duration) LLMAgentOption {
	return func(a *LLMAgent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithNeedsLLM replaces the default NeedsLLM test.
func WithNeedsLLM(f func(*types.EvaluationRequest) bool) LLMAgentOption {
	return func(a *LLMAgent) {
		if f != nil {
			a.needs = f
		}
	}
}

// WithAgentLogger sets the logger.
func WithAgentLogger(l *slog.Logger) LLMAgentOption {
	return func(a *LLMAgent) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewLLMAgent creates an agent for lens backed by provider.
func NewLLMAgent(lens types.LensType, provider llm.Provider, opts ...LLMAgentOption) (*LLMAgent, error) {
	l, ok := lenses.ForType(lens)
	if !ok {
		return nil, fmt.Errorf("unknown lens type %d", lens)
	}
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	a := &LLMAgent{
		lens:     lens,
		question: l.Question(),
		provider: provider,
		config:   llm.DefaultCompletionConfig(),
		budget:   DefaultTokenBudget,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	a.needs = a.hasRules
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *LLMAgent) LensType() types.LensType { return a.lens }
func (a *LLMAgent) TokenBudget() int         { return a.budget }
func (a *LLMAgent) Timeout() time.Duration   { return a.timeout }

// NeedsLLM reports whether the contract gives this lens any rules, unless
// replaced with WithNeedsLLM.
func (a *LLMAgent) NeedsLLM(req *types.EvaluationRequest) bool {
	return a.needs(req)
}

func (a *LLMAgent) hasRules(req *types.EvaluationRequest) bool {
	if req == nil {
		return false
	}
	return len(lenses.RulesFor(a.lens, req.Contract)) > 0
}

// Evaluate asks the configured model.
func (a *LLMAgent) Evaluate(ctx context.Context, req *types.EvaluationRequest) (types.LensFinding, error) {
	return a.evaluate(ctx, req, a.config)
}

// EvaluateWithModel asks model instead of the configured one.
func (a *LLMAgent) EvaluateWithModel(ctx context.Context, req *types.EvaluationRequest, model string) (types.LensFinding, error) {
	return a.evaluate(ctx, req, a.config.WithModel(model))
}

func (a *LLMAgent) evaluate(ctx context.Context, req *types.EvaluationRequest, cfg llm.CompletionConfig) (types.LensFinding, error) {
	ctx, span := tracer.Start(ctx, "agents.LLMAgent.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("steward.lens", a.lens.String()),
		attribute.String("llm.model", cfg.Model),
	)

	f, err := a.run(ctx, req, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.WarnContext(ctx, "assisted lens evaluation failed",
			slog.String("lens", a.lens.String()),
			slog.String("model", cfg.Model),
			slog.String("error", err.Error()))
		return types.LensFinding{}, err
	}
	span.SetAttributes(
		attribute.String("steward.lens_state", string(f.State.Status)),
		attribute.Float64("steward.confidence", f.Confidence),
	)
	return f, nil
}

func (a *LLMAgent) run(ctx context.Context, req *types.EvaluationRequest, cfg llm.CompletionConfig) (types.LensFinding, error) {
	if req == nil || req.Contract == nil {
		return types.LensFinding{}, internalError("request has no contract")
	}
	rules := lenses.RulesFor(a.lens, req.Contract)
	if len(rules) == 0 {
		return types.LensFinding{}, internalError("no %s rules to evaluate", a.lens)
	}

	user, err := prompts.User(prompts.RequestData{
		Lens:     a.lens,
		Rules:    rules,
		Output:   req.Output.Content,
		Context:  req.Context,
		Metadata: req.Metadata,
	})
	if err != nil {
		return types.LensFinding{}, internalError("%v", err)
	}
	// The system message is cacheable and shared, so only the dynamic part
	// counts against the lens budget before the call.
	if llm.EstimateTokens(user)+cfg.MaxTokens > a.budget {
		return types.LensFinding{}, &AgentError{Kind: KindBudgetExceeded}
	}

	messages := []llm.ChatMessage{
		llm.SystemMessage(prompts.System(a.lens)),
		llm.UserMessage(user),
	}
	resp, err := a.provider.Complete(ctx, messages, cfg)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.LensFinding{}, timeoutError(a.timeout, err)
		}
		if kind, ok := llm.KindOf(err); ok && kind == llm.KindTimeout {
			return types.LensFinding{}, timeoutError(a.timeout, err)
		}
		return types.LensFinding{}, llmError(err)
	}
	model := resp.Model
	if model == "" {
		model = cfg.Model
	}
	reportUsage(ctx, resp.Usage, model)

	parsed, err := parseResponse(resp.Content)
	if err != nil {
		return types.LensFinding{}, llmError(err)
	}
	return a.buildFinding(req, rules, parsed)
}

// buildFinding maps the model's answers onto the lens's rules.
//
// Rules the model did not answer are recorded as Uncertain. The first
// Violated rule blocks for lenses that may block and escalates otherwise;
// any Uncertain rule escalates. Confidence is the minimum over the answers.
func (a *LLMAgent) buildFinding(req *types.EvaluationRequest, rules []contract.Rule, parsed []ruleResponse) (types.LensFinding, error) {
	byID := make(map[string]ruleResponse, len(parsed))
	for _, r := range parsed {
		if !containsRule(rules, r.RuleID) {
			return types.LensFinding{}, llmError(fmt.Errorf("response references rule %q which is not a %s rule", r.RuleID, a.lens))
		}
		byID[r.RuleID] = r
	}

	ev := newEvidenceChecker(req)
	finding := types.LensFinding{
		Lens:           a.lens,
		QuestionAsked:  a.question,
		State:          types.Pass(),
		RulesEvaluated: make([]types.RuleEvaluation, 0, len(rules)),
		Confidence:     1.0,
	}

	var violated *contract.Rule
	var reasons []string
	for i, rule := range rules {
		r, ok := byID[rule.ID]
		if !ok {
			finding.RulesEvaluated = append(finding.RulesEvaluated, types.RuleEvaluation{
				RuleID:    rule.ID,
				RuleText:  rule.Rule,
				Result:    types.RuleUncertain,
				Evidence:  []types.Evidence{},
				Rationale: "No assessment returned for this rule",
			})
			reasons = append(reasons, fmt.Sprintf("No assessment returned (rule %s)", rule.ID))
			finding.Confidence = 0
			continue
		}

		evidence, err := ev.convert(r.Evidence)
		if err != nil {
			return types.LensFinding{}, evidenceError(fmt.Errorf("rule %s: %w", rule.ID, err))
		}

		result := r.result()
		if result == types.RuleViolated && len(evidence) == 0 {
			return types.LensFinding{}, evidenceError(fmt.Errorf("rule %s: violation reported without evidence", rule.ID))
		}
		if r.Confidence < lowConfidence && (result == types.RuleSatisfied || result == types.RuleViolated) {
			result = types.RuleUncertain
		}

		finding.RulesEvaluated = append(finding.RulesEvaluated, types.RuleEvaluation{
			RuleID:    rule.ID,
			RuleText:  rule.Rule,
			Result:    result,
			Evidence:  evidence,
			Rationale: r.Reasoning,
		})
		finding.Confidence = min(finding.Confidence, r.Confidence)

		switch result {
		case types.RuleViolated:
			if violated == nil {
				violated = &rules[i]
			}
		case types.RuleUncertain:
			reasons = append(reasons, fmt.Sprintf("%s (rule %s)", r.escalationReason(), rule.ID))
		}
	}
	finding.Confidence = types.Clamp01(finding.Confidence)

	switch {
	case violated != nil && mayBlock(a.lens):
		finding.State = types.Blocked(fmt.Sprintf("%s: %s", violated.ID, violated.Rule))
	case violated != nil:
		finding.State = types.Escalate(fmt.Sprintf("Rule violated: %s (rule %s)", violated.Rule, violated.ID))
	case len(reasons) > 0:
		finding.State = types.Escalate(reasons[0])
	}
	return finding, nil
}

// mayBlock reports whether a violation on lens l blocks the evaluation.
// Transparency and accountability findings only escalate.
func mayBlock(l types.LensType) bool {
	switch l {
	case types.LensBoundaries, types.LensDignity, types.LensRestraint:
		return true
	default:
		return false
	}
}

func containsRule(rules []contract.Rule, id string) bool {
	for _, r := range rules {
		if r.ID == id {
			return true
		}
	}
	return false
}
