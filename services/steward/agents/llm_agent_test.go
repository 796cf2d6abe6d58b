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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/steward/services/llm"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/evidence"
	"github.com/AleutianAI/steward/services/steward/prompts"
	"github.com/AleutianAI/steward/services/steward/types"
)

const pressureOutput = "Please decide now or lose this offer."

func testRequest() *types.EvaluationRequest {
	return &types.EvaluationRequest{
		Contract: &contract.Contract{
			ContractVersion: "1.0.0",
			Name:            "Support",
			Intent:          contract.Intent{Purpose: "Answer support questions"},
			Accountability:  contract.Accountability{AnswerableHuman: "owner@example.com"},
			Acceptance: contract.Acceptance{
				FitCriteria: []contract.Rule{{ID: "F1", Rule: "Cites sources when making claims"}},
				DignityCheck: []contract.Rule{
					{ID: "D1", Rule: "Never pressure the customer"},
					{ID: "D2", Rule: "Does not dismiss concerns"},
				},
			},
		},
		Output:   types.TextOutput(pressureOutput),
		Context:  []string{"I need more time to think"},
		Metadata: map[string]string{"channel": "chat"},
	}
}

func newAgent(t *testing.T, lens types.LensType, p llm.Provider, opts ...LLMAgentOption) *LLMAgent {
	t.Helper()
	a, err := NewLLMAgent(lens, p, opts...)
	require.NoError(t, err)
	return a
}

func TestNewLLMAgent(t *testing.T) {
	_, err := NewLLMAgent(types.LensType(42), llm.NewMockProvider())
	assert.Error(t, err)
	_, err = NewLLMAgent(types.LensDignity, nil)
	assert.Error(t, err)

	a := newAgent(t, types.LensDignity, llm.NewMockProvider())
	assert.Equal(t, types.LensDignity, a.LensType())
	assert.Equal(t, DefaultTokenBudget, a.TokenBudget())
	assert.Equal(t, DefaultTimeout, a.Timeout())

	a = newAgent(t, types.LensDignity, llm.NewMockProvider(), WithTokenBudget(2000), WithTimeout(3*time.Second))
	assert.Equal(t, 2000, a.TokenBudget())
	assert.Equal(t, 3*time.Second, a.Timeout())
}

func TestLLMAgent_NeedsLLM(t *testing.T) {
	req := testRequest()
	assert.True(t, newAgent(t, types.LensDignity, llm.NewMockProvider()).NeedsLLM(req))
	assert.False(t, newAgent(t, types.LensRestraint, llm.NewMockProvider()).NeedsLLM(req), "no privacy rules")
	assert.False(t, newAgent(t, types.LensDignity, llm.NewMockProvider()).NeedsLLM(nil))

	always := newAgent(t, types.LensRestraint, llm.NewMockProvider(),
		WithNeedsLLM(func(*types.EvaluationRequest) bool { return true }))
	assert.True(t, always.NeedsLLM(req))
}

func TestLLMAgent_Satisfied(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse(`[
		{"rule_id":"D1","result":"SATISFIED","evidence":[],"reasoning":"no pressure","confidence":0.9},
		{"rule_id":"D2","result":"NOT_APPLICABLE","reasoning":"no concerns raised","confidence":0.85}
	]`, llm.TokenUsage{PromptTokens: 300, CompletionTokens: 80})
	a := newAgent(t, types.LensDignity, p)

	var reported llm.TokenUsage
	var reportedModel string
	ctx := WithUsage(context.Background(), func(u llm.TokenUsage, model string) {
		reported, reportedModel = u, model
	})

	f, err := a.Evaluate(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, types.LensPass, f.State.Status)
	assert.Equal(t, types.LensDignity, f.Lens)
	assert.NotEmpty(t, f.QuestionAsked)
	assert.InDelta(t, 0.85, f.Confidence, 1e-9)
	require.Len(t, f.RulesEvaluated, 2)
	assert.Equal(t, types.RuleSatisfied, f.RulesEvaluated[0].Result)
	assert.Equal(t, "Never pressure the customer", f.RulesEvaluated[0].RuleText)
	assert.Equal(t, types.RuleNotApplicable, f.RulesEvaluated[1].Result)

	assert.Equal(t, 380, reported.Total())
	assert.Equal(t, "mock", reportedModel)

	calls := p.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, prompts.System(types.LensDignity), calls[0].Messages[0].Content)
	assert.Equal(t, llm.RoleUser, calls[0].Messages[1].Role)
	assert.Contains(t, calls[0].Messages[1].Content, "- D1: Never pressure the customer")
	assert.Equal(t, llm.DefaultModel, calls[0].Config.Model)
}

func TestLLMAgent_ViolationBlocksForBlockingLens(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse("```json\n"+`[
		{"rule_id":"D1","result":"VIOLATED","evidence":[{"claim":"deadline pressure","pointer":"output.content[7:17]","quote":"decide now"}],"reasoning":"pressure","confidence":0.95},
		{"rule_id":"D2","result":"SATISFIED","confidence":0.9}
	]`+"\n```", llm.TokenUsage{})

	f, err := newAgent(t, types.LensDignity, p).Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, types.LensBlocked, f.State.Status)
	assert.Equal(t, "D1: Never pressure the customer", f.State.Violation)
	require.Len(t, f.RulesEvaluated[0].Evidence, 1)
	assert.Equal(t, types.SourceOutput, f.RulesEvaluated[0].Evidence[0].Source)
}

func TestLLMAgent_ViolationEscalatesForTransparency(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse(
		`{"rule_id":"F1","result":"VIOLATED","evidence":[{"claim":"unsourced","pointer":"output.content[0:6]","quote":"Please"}],"confidence":0.8}`,
		llm.TokenUsage{})

	f, err := newAgent(t, types.LensTransparency, p).Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, types.LensEscalate, f.State.Status)
	assert.Contains(t, f.State.Reason, "F1")
}

func TestLLMAgent_UncertainEscalates(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse(`[
		{"rule_id":"D1","result":"UNCERTAIN","confidence":0.5,
		 "escalation_context":{"decision_point":"Is a deadline acceptable here?","suggested_options":["Allow","Rephrase"]}},
		{"rule_id":"D2","result":"SATISFIED","confidence":0.3}
	]`, llm.TokenUsage{})

	f, err := newAgent(t, types.LensDignity, p).Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, types.LensEscalate, f.State.Status)
	assert.Equal(t, "Is a deadline acceptable here? (rule D1)", f.State.Reason)
	assert.Equal(t, types.RuleUncertain, f.RulesEvaluated[1].Result, "low-confidence answers become uncertain")
	assert.InDelta(t, 0.3, f.Confidence, 1e-9)
}

func TestLLMAgent_MissingRuleIsUncertain(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse(`[{"rule_id":"D1","result":"SATISFIED","confidence":0.9}]`, llm.TokenUsage{})

	f, err := newAgent(t, types.LensDignity, p).Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, types.LensEscalate, f.State.Status)
	assert.Equal(t, types.RuleUncertain, f.RulesEvaluated[1].Result)
	assert.Zero(t, f.Confidence)
}

func TestLLMAgent_NonTextEvidence(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse(`[
		{"rule_id":"ACC1","result":"SATISFIED","evidence":[{"claim":"owner named","pointer":"accountability.answerable_human"}],"confidence":0.95},
		{"rule_id":"ACC2","result":"UNCERTAIN","evidence":[{"claim":"chat channel","pointer":"metadata.channel"}],"reasoning":"no path","confidence":0.5},
		{"rule_id":"ACC3","result":"UNCERTAIN","confidence":0.5}
	]`, llm.TokenUsage{})

	f, err := newAgent(t, types.LensAccountability, p).Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, types.SourceContract, f.RulesEvaluated[0].Evidence[0].Source)
	assert.Equal(t, types.SourceMetadata, f.RulesEvaluated[1].Evidence[0].Source)
	assert.Equal(t, "no path (rule ACC2)", f.State.Reason)
}

func TestLLMAgent_Errors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantKind ErrorKind
	}{
		{"not json", "I think it is fine.", KindLLM},
		{"schema mismatch", `[{"rule_id":"D1","result":"MAYBE","confidence":0.9}]`, KindLLM},
		{"confidence out of range", `[{"rule_id":"D1","result":"SATISFIED","confidence":1.5}]`, KindLLM},
		{"empty array", `[]`, KindLLM},
		{"foreign rule", `[{"rule_id":"B1","result":"SATISFIED","confidence":0.9}]`, KindLLM},
		{"quote mismatch", `[{"rule_id":"D1","result":"VIOLATED","evidence":[{"claim":"x","pointer":"output.content[0:6]","quote":"Hello!"}],"confidence":0.9}]`, KindEvidenceInvalid},
		{"out of bounds", `[{"rule_id":"D1","result":"VIOLATED","evidence":[{"claim":"x","pointer":"output.content[0:999]","quote":"x"}],"confidence":0.9}]`, KindEvidenceInvalid},
		{"bad context index", `[{"rule_id":"D1","result":"SATISFIED","evidence":[{"claim":"x","pointer":"context[3][0:1]","quote":"I"}],"confidence":0.9}]`, KindEvidenceInvalid},
		{"unknown metadata", `[{"rule_id":"D1","result":"SATISFIED","evidence":[{"claim":"x","pointer":"metadata.tier"}],"confidence":0.9}]`, KindEvidenceInvalid},
		{"violation without evidence", `[{"rule_id":"D1","result":"VIOLATED","confidence":0.9}]`, KindEvidenceInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := llm.NewMockProvider().QueueResponse(tt.response, llm.TokenUsage{})
			_, err := newAgent(t, types.LensDignity, p).Evaluate(context.Background(), testRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAgent)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, kind, err.Error())
		})
	}
}

func TestLLMAgent_EvidenceErrorsWrapValidator(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse(
		`[{"rule_id":"D1","result":"VIOLATED","evidence":[{"claim":"x","pointer":"output.content[0:6]","quote":"nope"}],"confidence":0.9}]`,
		llm.TokenUsage{})
	_, err := newAgent(t, types.LensDignity, p).Evaluate(context.Background(), testRequest())
	assert.ErrorIs(t, err, evidence.ErrInvalidEvidence)
}

func TestLLMAgent_ProviderFailure(t *testing.T) {
	p := llm.NewMockProvider().WithError(llm.NotConfigured("no key"))
	_, err := newAgent(t, types.LensDignity, p).Evaluate(context.Background(), testRequest())
	kind, _ := KindOf(err)
	assert.Equal(t, KindLLM, kind)
	assert.ErrorIs(t, err, llm.ErrProvider)
}

func TestLLMAgent_Timeout(t *testing.T) {
	p := llm.NewMockProvider().WithDelay(time.Second)
	a := newAgent(t, types.LensDignity, p, WithTimeout(20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), a.Timeout())
	defer cancel()
	_, err := a.Evaluate(ctx, testRequest())

	kind, _ := KindOf(err)
	assert.Equal(t, KindTimeout, kind)
	assert.Equal(t, "Timeout after 20ms", err.Error())
}

func TestLLMAgent_BudgetExceeded(t *testing.T) {
	p := llm.NewMockProvider()
	_, err := newAgent(t, types.LensDignity, p, WithTokenBudget(100)).Evaluate(context.Background(), testRequest())
	kind, _ := KindOf(err)
	assert.Equal(t, KindBudgetExceeded, kind)
	assert.Zero(t, p.CallCount(), "no call is made over budget")
}

func TestLLMAgent_NoRules(t *testing.T) {
	_, err := newAgent(t, types.LensRestraint, llm.NewMockProvider()).Evaluate(context.Background(), testRequest())
	kind, _ := KindOf(err)
	assert.Equal(t, KindInternal, kind)
}

func TestLLMAgent_EvaluateWithModel(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse(`[
		{"rule_id":"D1","result":"SATISFIED","confidence":0.9},
		{"rule_id":"D2","result":"SATISFIED","confidence":0.9}
	]`, llm.TokenUsage{})
	_, err := newAgent(t, types.LensDignity, p).EvaluateWithModel(context.Background(), testRequest(), "claude-haiku-4-5")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", p.Calls()[0].Config.Model)
}

func TestAgentError_Messages(t *testing.T) {
	tests := []struct {
		err  *AgentError
		want string
	}{
		{llmError(errors.New("boom")), "LLM call failed: boom"},
		{evidenceError(errors.New("bad pointer")), "Evidence validation failed: bad pointer"},
		{timeoutError(10*time.Second, nil), "Timeout after 10s"},
		{&AgentError{Kind: KindBudgetExceeded}, "Budget exceeded"},
		{internalError("no %s", "rules"), "Internal error: no rules"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
	assert.Equal(t, "evidence_invalid", KindEvidenceInvalid.String())
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct{ in, want string }{
		{`[1]`, `[1]`},
		{"```json\n[1]\n```", `[1]`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  [2]  ", `[2]`},
	}
	for _, tt := range tests {
		if got := stripCodeFences(tt.in); got != tt.want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
