// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/steward/services/llm"
	"github.com/AleutianAI/steward/services/steward/agents"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/engine"
	"github.com/AleutianAI/steward/services/steward/resilience"
	"github.com/AleutianAI/steward/services/steward/types"
)

var fixedNow = time.Date(2025, 12, 20, 9, 30, 0, 0, time.UTC)

const invoiceOutput = "Your invoice is attached."

func testContract() *contract.Contract {
	return &contract.Contract{
		ContractVersion: "1.0.0",
		SchemaVersion:   "2025-12-20",
		Name:            "Support",
		Intent:          contract.Intent{Purpose: "Answer billing questions"},
		Accountability: contract.Accountability{
			ApprovedBy:      "Support Lead",
			AnswerableHuman: "owner@example.com",
			EscalationPath:  []string{"Tier 1", "Manager"},
		},
		Acceptance: contract.Acceptance{
			FitCriteria: []contract.Rule{{ID: "F1", Rule: "Cites sources when making claims"}},
		},
	}
}

func testRequest(output string) *types.EvaluationRequest {
	return &types.EvaluationRequest{Contract: testContract(), Output: types.TextOutput(output)}
}

func testEngine() *engine.Engine {
	return engine.New(
		engine.WithClock(func() time.Time { return fixedNow }),
		engine.WithIDGenerator(func() string { return "eval-1" }),
	)
}

func newOrchestrator(t *testing.T, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(cfg, append([]Option{WithEngine(testEngine())}, opts...)...)
	require.NoError(t, err)
	return o
}

func deterministicOnly() Config {
	cfg := DefaultConfig()
	cfg.Fallbacks = []string{"deterministic"}
	return cfg
}

// fakeAgent answers one lens with a scripted function.
type fakeAgent struct {
	lens    types.LensType
	timeout time.Duration
	skip    bool
	fn      func(ctx context.Context, req *types.EvaluationRequest) (types.LensFinding, error)
	calls   atomic.Int32
}

func (a *fakeAgent) LensType() types.LensType { return a.lens }
func (a *fakeAgent) TokenBudget() int         { return agents.DefaultTokenBudget }
func (a *fakeAgent) Timeout() time.Duration   { return a.timeout }

func (a *fakeAgent) NeedsLLM(*types.EvaluationRequest) bool { return !a.skip }

func (a *fakeAgent) Evaluate(ctx context.Context, req *types.EvaluationRequest) (types.LensFinding, error) {
	a.calls.Add(1)
	return a.fn(ctx, req)
}

// retryingAgent fails on the primary model and answers overrides with
// override, or a Pass at 0.7 when override is nil.
type retryingAgent struct {
	fakeAgent
	override func(ctx context.Context) (types.LensFinding, error)
	mu       sync.Mutex
	models   []string
}

func (a *retryingAgent) EvaluateWithModel(ctx context.Context, _ *types.EvaluationRequest, model string) (types.LensFinding, error) {
	a.mu.Lock()
	a.models = append(a.models, model)
	a.mu.Unlock()
	if a.override != nil {
		return a.override(ctx)
	}
	return types.LensFinding{Lens: a.lens, State: types.Pass(), RulesEvaluated: []types.RuleEvaluation{}, Confidence: 0.7}, nil
}

func (a *retryingAgent) overrideModels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.models...)
}

func withSimplerModel() Config {
	cfg := DefaultConfig()
	cfg.Fallbacks = []string{"cache", "simpler_model:claude-haiku-4-5", "deterministic"}
	return cfg
}

func blockUntilDone(ctx context.Context, _ *types.EvaluationRequest) (types.LensFinding, error) {
	<-ctx.Done()
	return types.LensFinding{}, ctx.Err()
}

func escalateFinding(lens types.LensType) types.LensFinding {
	return types.LensFinding{
		Lens:  lens,
		State: types.Escalate("Claims lack sources"),
		RulesEvaluated: []types.RuleEvaluation{{
			RuleID:   "F1",
			RuleText: "Cites sources when making claims",
			Result:   types.RuleUncertain,
			Evidence: []types.Evidence{types.FromOutput("invoice mention", invoiceOutput, 5, 12)},
		}},
		Confidence: 0.9,
	}
}

func failing(err error) func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
	return func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
		return types.LensFinding{}, err
	}
}

func TestNew_InvalidFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fallbacks = []string{"cache", "coin_flip"}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5000, cfg.Budget.GlobalMaxTokens)
	assert.Equal(t, 1000, cfg.Budget.PerLensMaxTokens)
	assert.Equal(t, 10000, cfg.CacheEntries)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 500, cfg.EstimatedTokens)
}

func TestRegisterAgent(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig())
	assert.Error(t, o.RegisterAgent(nil))
	assert.Error(t, o.RegisterAgent(&fakeAgent{lens: types.LensType(9)}))

	require.NoError(t, o.RegisterAgent(&fakeAgent{lens: types.LensAccountability}))
	require.NoError(t, o.RegisterAgent(&fakeAgent{lens: types.LensDignity}))
	assert.Equal(t, []types.LensType{types.LensDignity, types.LensAccountability}, o.Agents())

	require.NoError(t, o.RegisterLLMAgents(llm.NewMockProvider()))
	assert.Equal(t, types.CanonicalOrder[:], o.Agents())
}

func TestEvaluate_RejectsBadRequests(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig())

	_, err := o.Evaluate(context.Background(), nil)
	assert.ErrorIs(t, err, engine.ErrNilContract)

	req := testRequest(invoiceOutput)
	req.Contract.Name = ""
	_, err = o.Evaluate(context.Background(), req)
	assert.ErrorIs(t, err, contract.ErrInvalidContract)
}

func TestEvaluate_NoAgentsMatchesEngine(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig())
	req := testRequest(invoiceOutput)

	res, err := o.Evaluate(context.Background(), req)
	require.NoError(t, err)

	want, err := testEngine().EvaluateRequest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, want.State, res.Evaluation.State)
	assert.Equal(t, want.LensFindings, res.Evaluation.LensFindings)
	assert.Equal(t, want.Confidence, res.Evaluation.Confidence)
	assert.Empty(t, res.Fallbacks)
	assert.Zero(t, res.Usage.LLMCalls)
}

func TestEvaluate_AssistedFindingUsed(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig())
	agent := &fakeAgent{lens: types.LensTransparency, fn: func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
		return escalateFinding(types.LensTransparency), nil
	}}
	require.NoError(t, o.RegisterAgent(agent))

	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)

	got := res.Evaluation.LensFindings.Transparency
	assert.Equal(t, types.LensEscalate, got.State.Status)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, types.VerdictEscalate, res.Evaluation.State.Verdict)
	assert.Empty(t, res.Fallbacks)
	assert.Equal(t, int32(1), agent.calls.Load())
	assert.Zero(t, o.CircuitStats().TotalFailures)
}

func TestEvaluate_AgentSkippedWhenNothingToInterpret(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig())
	agent := &fakeAgent{lens: types.LensTransparency, skip: true, fn: failing(errors.New("unreachable"))}
	require.NoError(t, o.RegisterAgent(agent))

	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)
	assert.Zero(t, agent.calls.Load())
	assert.Empty(t, res.Fallbacks)
}

func TestEvaluate_DeterministicBlockIsFinal(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig())
	agent := &fakeAgent{lens: types.LensBoundaries, fn: func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
		return types.LensFinding{Lens: types.LensBoundaries, State: types.Pass(), Confidence: 1}, nil
	}}
	require.NoError(t, o.RegisterAgent(agent))

	req := testRequest("Your account email is john@example.com.")
	req.Contract.Boundaries.InvalidatedBy = []contract.Rule{{ID: "B1", Rule: "Customer PII exposed"}}

	res, err := o.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictBlocked, res.Evaluation.State.Verdict)
	assert.Equal(t, types.LensBlocked, res.Evaluation.LensFindings.Boundaries.State.Status)
	assert.Zero(t, agent.calls.Load(), "agent is not consulted when the rule-based lens blocks")
}

func TestEvaluate_AgentFailureFallsBackToDeterministic(t *testing.T) {
	o := newOrchestrator(t, deterministicOnly())
	agent := &fakeAgent{lens: types.LensTransparency, fn: failing(&agents.AgentError{Kind: agents.KindLLM, Message: "upstream 529"})}
	require.NoError(t, o.RegisterAgent(agent))

	req := testRequest(invoiceOutput)
	res, err := o.Evaluate(context.Background(), req)
	require.NoError(t, err)

	det := testEngine().RunLens(context.Background(), types.LensTransparency, req)
	got := res.Evaluation.LensFindings.Transparency
	assert.Equal(t, det.State, got.State)
	assert.InDelta(t, det.Confidence*0.8, got.Confidence, 1e-9)
	assert.Equal(t, map[string]string{"transparency_contestability": "LLM call failed: upstream 529"}, res.Fallbacks)
	assert.Equal(t, 1, res.Usage.Fallbacks)
	assert.Equal(t, 1, o.Usage().Fallbacks)
	assert.Equal(t, 1, o.breaker.State(types.LensTransparency).Failures)
}

func TestEvaluate_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	o := newOrchestrator(t, deterministicOnly())
	agent := &fakeAgent{lens: types.LensTransparency, fn: failing(errors.New("boom"))}
	require.NoError(t, o.RegisterAgent(agent))

	for _, out := range []string{"one", "two", "three"} {
		_, err := o.Evaluate(context.Background(), testRequest(out))
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), agent.calls.Load())

	res, err := o.Evaluate(context.Background(), testRequest("four"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), agent.calls.Load(), "open circuit skips the agent")
	assert.Equal(t, "circuit open", res.Fallbacks["transparency_contestability"])
	assert.Equal(t, resilience.CircuitOpen, o.breaker.State(types.LensTransparency).State)
	assert.Equal(t, int64(3), o.CircuitStats().TotalFailures)
	assert.Equal(t, int64(1), o.CircuitStats().TotalRejections)
}

func TestEvaluate_HalfOpenAdmitsOneTrial(t *testing.T) {
	now := fixedNow
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	o := newOrchestrator(t, deterministicOnly(), WithClock(clock))

	release := make(chan struct{})
	var down atomic.Bool
	down.Store(true)
	agent := &fakeAgent{lens: types.LensTransparency, fn: func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
		if down.Load() {
			return types.LensFinding{}, errors.New("boom")
		}
		<-release
		return escalateFinding(types.LensTransparency), nil
	}}
	require.NoError(t, o.RegisterAgent(agent))

	for _, out := range []string{"one", "two", "three"} {
		_, err := o.Evaluate(context.Background(), testRequest(out))
		require.NoError(t, err)
	}
	require.Equal(t, resilience.CircuitOpen, o.breaker.State(types.LensTransparency).State)

	clockMu.Lock()
	now = now.Add(31 * time.Second)
	clockMu.Unlock()
	down.Store(false)

	trial := make(chan Result, 1)
	go func() {
		res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
		assert.NoError(t, err)
		trial <- res
	}()
	require.Eventually(t, func() bool { return agent.calls.Load() == 4 }, time.Second, 5*time.Millisecond)

	res, err := o.Evaluate(context.Background(), testRequest("concurrent"))
	require.NoError(t, err)
	assert.Equal(t, int32(4), agent.calls.Load(), "only one trial call while half-open")
	assert.Equal(t, "circuit open", res.Fallbacks["transparency_contestability"])

	close(release)
	got := <-trial
	assert.Empty(t, got.Fallbacks)
	assert.Equal(t, 1, o.breaker.State(types.LensTransparency).Successes)
}

func TestEvaluate_BudgetExhaustedFallsBack(t *testing.T) {
	cfg := deterministicOnly()
	cfg.Budget.GlobalMaxTokens = 400
	o := newOrchestrator(t, cfg)
	agent := &fakeAgent{lens: types.LensTransparency, fn: failing(errors.New("unreachable"))}
	require.NoError(t, o.RegisterAgent(agent))

	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)
	assert.Zero(t, agent.calls.Load())
	assert.Equal(t, "token budget exhausted", res.Fallbacks["transparency_contestability"])
	assert.Zero(t, o.breaker.State(types.LensTransparency).Failures, "budget exhaustion is not a failure")
}

func TestEvaluate_TimeoutFallsBack(t *testing.T) {
	cfg := deterministicOnly()
	cfg.LensTimeouts = map[string]time.Duration{"transparency_contestability": 20 * time.Millisecond}
	o := newOrchestrator(t, cfg)
	agent := &fakeAgent{lens: types.LensTransparency, timeout: time.Minute, fn: func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
		time.Sleep(300 * time.Millisecond)
		return escalateFinding(types.LensTransparency), nil
	}}
	require.NoError(t, o.RegisterAgent(agent))

	start := time.Now()
	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "agent that ignores its context is abandoned")
	assert.Equal(t, "Timeout after 20ms", res.Fallbacks["transparency_contestability"])
}

func TestEvaluate_InvalidEvidenceFallsBack(t *testing.T) {
	o := newOrchestrator(t, deterministicOnly())
	agent := &fakeAgent{lens: types.LensTransparency, fn: func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
		f := escalateFinding(types.LensTransparency)
		f.RulesEvaluated[0].Evidence[0].Quote = "receipt"
		return f, nil
	}}
	require.NoError(t, o.RegisterAgent(agent))

	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)
	assert.Contains(t, res.Fallbacks["transparency_contestability"], "Evidence validation failed")
	assert.Equal(t, 1, o.breaker.State(types.LensTransparency).Failures)
}

func TestEvaluate_DefaultChainMakesNoSecondModelCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LensTimeouts = map[string]time.Duration{"transparency_contestability": 50 * time.Millisecond}
	o := newOrchestrator(t, cfg)
	agent := &retryingAgent{
		fakeAgent: fakeAgent{lens: types.LensTransparency, fn: blockUntilDone},
		override: func(ctx context.Context) (types.LensFinding, error) {
			<-ctx.Done()
			return types.LensFinding{}, ctx.Err()
		},
	}
	require.NoError(t, o.RegisterAgent(agent))

	req := testRequest(invoiceOutput)
	res, err := o.Evaluate(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, agent.overrideModels())
	assert.Equal(t, "Timeout after 50ms", res.Fallbacks["transparency_contestability"])
	assert.Equal(t, 1, o.breaker.State(types.LensTransparency).Failures)

	det := testEngine().RunLens(context.Background(), types.LensTransparency, req)
	got := res.Evaluation.LensFindings.Transparency
	assert.Equal(t, det.State, got.State)
	assert.InDelta(t, det.Confidence*0.8, got.Confidence, 1e-9)
}

func TestEvaluate_SimplerModelFailureCountsOnBreaker(t *testing.T) {
	o := newOrchestrator(t, withSimplerModel())
	agent := &retryingAgent{
		fakeAgent: fakeAgent{lens: types.LensTransparency, fn: failing(errors.New("overloaded"))},
		override: func(context.Context) (types.LensFinding, error) {
			return types.LensFinding{}, errors.New("also overloaded")
		},
	}
	require.NoError(t, o.RegisterAgent(agent))

	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-haiku-4-5"}, agent.overrideModels())
	assert.Equal(t, 2, o.breaker.State(types.LensTransparency).Failures)
	assert.Equal(t, "overloaded", res.Fallbacks["transparency_contestability"])
}

func TestEvaluate_SimplerModelRetry(t *testing.T) {
	o := newOrchestrator(t, withSimplerModel())
	agent := &retryingAgent{fakeAgent: fakeAgent{lens: types.LensTransparency, fn: failing(errors.New("overloaded"))}}
	require.NoError(t, o.RegisterAgent(agent))

	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)

	got := res.Evaluation.LensFindings.Transparency
	assert.Equal(t, types.LensPass, got.State.Status)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	assert.Equal(t, []string{"claude-haiku-4-5"}, agent.overrideModels())
	assert.Equal(t, "overloaded", res.Fallbacks["transparency_contestability"])
	assert.Zero(t, o.breaker.State(types.LensTransparency).Failures, "retry success resets the failure count")

	_, err = o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)
	assert.Equal(t, int32(1), agent.calls.Load(), "retry result is cached")
}

func TestEvaluate_AssistedPassCannotClearDeterministicEscalate(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig())
	agent := &fakeAgent{lens: types.LensBoundaries, fn: func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
		return types.LensFinding{Lens: types.LensBoundaries, State: types.Pass(), RulesEvaluated: []types.RuleEvaluation{}, Confidence: 1}, nil
	}}
	require.NoError(t, o.RegisterAgent(agent))

	req := testRequest("I understand. Let me look into your order.")
	req.Contract.Boundaries.MustPauseWhen = []contract.Rule{{ID: "P1", Rule: "Customer expresses frustration"}}
	req.Context = []string{"I'm so frustrated!"}

	det := testEngine().RunLens(context.Background(), types.LensBoundaries, req)
	require.Equal(t, types.LensEscalate, det.State.Status)

	for i := 0; i < 2; i++ {
		res, err := o.Evaluate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, types.VerdictEscalate, res.Evaluation.State.Verdict)
		assert.Equal(t, det.State, res.Evaluation.LensFindings.Boundaries.State)
		assert.Equal(t, det.Confidence, res.Evaluation.LensFindings.Boundaries.Confidence)
	}
	assert.Equal(t, int32(1), agent.calls.Load(), "second evaluation uses the cached assisted finding")
}

func TestEvaluate_EscalateWithUncertainty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fallbacks = []string{"escalate_with_uncertainty"}
	o := newOrchestrator(t, cfg)
	require.NoError(t, o.RegisterAgent(&fakeAgent{lens: types.LensTransparency, fn: failing(errors.New("boom"))}))

	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)

	got := res.Evaluation.LensFindings.Transparency
	assert.Equal(t, types.LensEscalate, got.State.Status)
	assert.Equal(t, "Lens evaluation unavailable: boom", got.State.Reason)
	assert.Zero(t, got.Confidence)
	assert.Equal(t, types.VerdictEscalate, res.Evaluation.State.Verdict)
}

func TestEvaluate_ExhaustedChainEscalates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fallbacks = []string{"fail"}
	o := newOrchestrator(t, cfg)
	require.NoError(t, o.RegisterAgent(&fakeAgent{lens: types.LensTransparency, fn: failing(errors.New("boom"))}))

	res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
	require.NoError(t, err)
	got := res.Evaluation.LensFindings.Transparency
	assert.Equal(t, types.LensEscalate, got.State.Status)
	assert.Zero(t, got.Confidence)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	o := newOrchestrator(t, deterministicOnly())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Evaluate(ctx, testRequest(invoiceOutput))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluate_WithLLMAgentCachesAndTracksUsage(t *testing.T) {
	p := llm.NewMockProvider().QueueResponse(
		`[{"rule_id":"F1","result":"SATISFIED","evidence":[],"reasoning":"no claims made","confidence":0.9}]`,
		llm.TokenUsage{PromptTokens: 300, CompletionTokens: 80},
	)
	a, err := agents.NewLLMAgent(types.LensTransparency, p)
	require.NoError(t, err)

	o := newOrchestrator(t, DefaultConfig())
	require.NoError(t, o.RegisterAgent(a))

	req := testRequest(invoiceOutput)
	first, err := o.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, first.Fallbacks)
	assert.Equal(t, types.LensPass, first.Evaluation.LensFindings.Transparency.State.Status)
	assert.InDelta(t, 0.9, first.Evaluation.LensFindings.Transparency.Confidence, 1e-9)
	assert.Equal(t, 1, first.Usage.LLMCalls)
	assert.Equal(t, 380, first.Usage.TotalTokens)
	assert.Greater(t, first.Usage.EstimatedCostUSD, 0.0)

	second, err := o.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, p.CallCount(), "second evaluation is served from cache")
	assert.Zero(t, second.Usage.LLMCalls)
	assert.Equal(t, 1, second.Usage.CacheHits)
	assert.Equal(t, first.Evaluation.LensFindings.Transparency, second.Evaluation.LensFindings.Transparency)

	assert.Equal(t, 380, o.Usage().TotalTokens)
	assert.Equal(t, 5000-380, o.RemainingTokens())
	assert.Equal(t, int64(1), o.CacheStats().Hits)

	o.ResetBudget()
	assert.Equal(t, 5000, o.RemainingTokens())
	assert.Zero(t, o.Usage().LLMCalls)
}

func TestEvaluate_ConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig())
	release := make(chan struct{})
	agent := &fakeAgent{lens: types.LensTransparency, fn: func(context.Context, *types.EvaluationRequest) (types.LensFinding, error) {
		<-release
		return escalateFinding(types.LensTransparency), nil
	}}
	require.NoError(t, o.RegisterAgent(agent))

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Evaluate(context.Background(), testRequest(invoiceOutput))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), agent.calls.Load())
	for _, r := range results {
		assert.Equal(t, types.LensEscalate, r.Evaluation.LensFindings.Transparency.State.Status)
	}
}
