// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs lens evaluation with optional model-assisted
// agents behind a circuit breaker, a token budget, a finding cache and a
// fallback chain.
//
// The deterministic engine is always the floor. A lens with no agent, or
// whose agent has nothing to interpret, is answered by the rule-based lens
// at full confidence. An assisted lens that cannot run (open circuit,
// exhausted budget, timeout, failure, bad evidence) falls back, by default
// to the rule-based finding at reduced confidence. An assisted finding is
// kept only when it is at least as severe as the rule-based one.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/steward/services/llm"
	"github.com/AleutianAI/steward/services/steward/agents"
	"github.com/AleutianAI/steward/services/steward/engine"
	"github.com/AleutianAI/steward/services/steward/evidence"
	"github.com/AleutianAI/steward/services/steward/resilience"
	"github.com/AleutianAI/steward/services/steward/types"
)

var tracer = otel.Tracer("steward.orchestrator")

// DefaultEstimatedTokens is the per-call estimate checked against the budget
// before an agent runs.
const DefaultEstimatedTokens = 500

// Config configures an Orchestrator.
type Config struct {
	CircuitBreaker resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`
	Budget         resilience.BudgetConfig         `yaml:"budget"`

	// Fallbacks is the fallback chain in ParseStrategy syntax. Empty means
	// resilience.DefaultFallbackChain.
	Fallbacks []string `yaml:"fallbacks"`

	CacheEntries int           `yaml:"cache_entries"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`

	// LensTimeouts overrides agent timeouts, keyed by lens name
	// (e.g. "boundaries_safety").
	LensTimeouts map[string]time.Duration `yaml:"lens_timeouts"`

	EstimatedTokens int `yaml:"estimated_tokens"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CircuitBreaker:  resilience.DefaultCircuitBreakerConfig(),
		Budget:          resilience.DefaultBudgetConfig(),
		CacheEntries:    resilience.DefaultCacheEntries,
		CacheTTL:        resilience.DefaultCacheTTL,
		EstimatedTokens: DefaultEstimatedTokens,
	}
}

// Result is one orchestrated evaluation.
type Result struct {
	Evaluation types.EvaluationResult `json:"evaluation"`

	// Usage covers the model calls made by this evaluation only.
	Usage resilience.LLMUsage `json:"llm_usage"`

	// Fallbacks maps lens name to the reason it fell back.
	Fallbacks map[string]string `json:"fallbacks,omitempty"`
}

// Orchestrator coordinates deterministic lenses and assisted agents.
//
// Thread Safety: Safe for concurrent use. The budget, breaker and cache are
// shared by every evaluation for the life of the Orchestrator.
type Orchestrator struct {
	cfg     Config
	engine  *engine.Engine
	breaker *resilience.CircuitBreaker
	budget  *resilience.BudgetTracker
	cache   *resilience.FindingCache
	chain   resilience.FallbackChain
	group   singleflight.Group
	logger  *slog.Logger

	mu     sync.RWMutex
	agents map[types.LensType]agents.LensAgent
}

type options struct {
	engine *engine.Engine
	logger *slog.Logger
	store  resilience.FindingStore
	now    func() time.Time
}

// Option configures an Orchestrator.
type Option func(*options)

// WithEngine sets the deterministic engine. Defaults to engine.New().
func WithEngine(e *engine.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFindingStore adds a persistent tier behind the finding cache.
func WithFindingStore(s resilience.FindingStore) Option {
	return func(o *options) { o.store = s }
}

// WithClock sets the clock used by the breaker and cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an Orchestrator with no agents registered.
//
// Outputs:
//
//	*Orchestrator - Ready to evaluate; every lens is deterministic until
//	    an agent is registered.
//	error - Non-nil if cfg.Fallbacks names an unknown strategy.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.engine == nil {
		o.engine = engine.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	chain, err := resilience.ParseFallbackChain(cfg.Fallbacks)
	if err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	if cfg.EstimatedTokens <= 0 {
		cfg.EstimatedTokens = DefaultEstimatedTokens
	}

	var breakerOpts []resilience.CircuitBreakerOption
	cacheOpts := []resilience.CacheOption{resilience.WithCacheLogger(o.logger)}
	if o.now != nil {
		breakerOpts = append(breakerOpts, resilience.WithBreakerClock(o.now))
		cacheOpts = append(cacheOpts, resilience.WithCacheClock(o.now))
	}
	if o.store != nil {
		cacheOpts = append(cacheOpts, resilience.WithFindingStore(o.store))
	}

	return &Orchestrator{
		cfg:     cfg,
		engine:  o.engine,
		breaker: resilience.NewCircuitBreaker(cfg.CircuitBreaker, breakerOpts...),
		budget:  resilience.NewBudgetTracker(cfg.Budget),
		cache:   resilience.NewFindingCache(cfg.CacheEntries, cfg.CacheTTL, cacheOpts...),
		chain:   chain,
		logger:  o.logger,
		agents:  make(map[types.LensType]agents.LensAgent),
	}, nil
}

// RegisterAgent assigns agent to its lens, replacing any previous agent.
func (o *Orchestrator) RegisterAgent(agent agents.LensAgent) error {
	if agent == nil {
		return errors.New("agent is nil")
	}
	lens := agent.LensType()
	if !lens.Valid() {
		return fmt.Errorf("agent has unknown lens %d", lens)
	}
	o.mu.Lock()
	o.agents[lens] = agent
	o.mu.Unlock()
	return nil
}

// RegisterLLMAgents registers one LLMAgent per lens over provider.
func (o *Orchestrator) RegisterLLMAgents(provider llm.Provider, opts ...agents.LLMAgentOption) error {
	for _, lens := range types.CanonicalOrder {
		agent, err := agents.NewLLMAgent(lens, provider, opts...)
		if err != nil {
			return err
		}
		if err := o.RegisterAgent(agent); err != nil {
			return err
		}
	}
	return nil
}

// Agents returns the lenses with a registered agent, in canonical order.
func (o *Orchestrator) Agents() []types.LensType {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]types.LensType, 0, len(o.agents))
	for _, l := range types.CanonicalOrder {
		if _, ok := o.agents[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (o *Orchestrator) agentFor(lens types.LensType) (agents.LensAgent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[lens]
	return a, ok
}

// Engine returns the deterministic engine.
func (o *Orchestrator) Engine() *engine.Engine { return o.engine }

// Usage returns model usage accumulated since the last ResetBudget.
func (o *Orchestrator) Usage() resilience.LLMUsage { return o.budget.Usage() }

// RemainingTokens returns the unspent global budget.
func (o *Orchestrator) RemainingTokens() int { return o.budget.RemainingGlobal() }

// ResetBudget zeroes the token budgets. Call it only between independent
// evaluation batches.
func (o *Orchestrator) ResetBudget() { o.budget.Reset() }

// CircuitStats returns a breaker snapshot.
func (o *Orchestrator) CircuitStats() resilience.CircuitBreakerStats { return o.breaker.Stats() }

// CacheStats returns finding cache counters.
func (o *Orchestrator) CacheStats() resilience.CacheStats { return o.cache.Stats() }

// Evaluate runs all five lenses for req and synthesizes the verdict.
//
// Description:
//
//	The request is checked structurally, then each lens is resolved
//	concurrently. Resolution never fails: every lens yields a finding,
//	falling back when its agent cannot answer. Synthesis, metadata
//	extensions and auditing are delegated to the engine.
//
// Inputs:
//
//	ctx - Cancellation ends outstanding agent calls.
//	req - The request. Contract must be non-nil and well-formed.
//
// Outputs:
//
//	Result - The evaluation, this call's model usage and the fallbacks.
//	error - engine.ErrNilContract, a structural contract error, or the
//	    context error if ctx ended before synthesis.
//
// Thread Safety: Safe for concurrent use.
func (o *Orchestrator) Evaluate(ctx context.Context, req *types.EvaluationRequest) (Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.Orchestrator.Evaluate")
	defer span.End()

	if err := o.engine.Check(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request rejected")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("contract", req.Contract.Identity()))

	usage := &callUsage{}
	outcomes := make([]lensOutcome, len(types.CanonicalOrder))
	g, gctx := errgroup.WithContext(ctx)
	for i, lens := range types.CanonicalOrder {
		g.Go(func() error {
			outcomes[i] = o.resolveLens(gctx, lens, req, usage)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return Result{}, fmt.Errorf("evaluation cancelled: %w", err)
	}

	var findings types.LensFindings
	fallbacks := make(map[string]string)
	for i, lens := range types.CanonicalOrder {
		out := outcomes[i]
		findings.Set(lens, out.finding)
		lensOutcomes.WithLabelValues(lens.String(), out.path).Inc()
		if out.reason != "" {
			fallbacks[lens.String()] = out.reason
		}
		if o.breaker.IsOpen(lens) {
			circuitOpen.WithLabelValues(lens.String()).Set(1)
		} else {
			circuitOpen.WithLabelValues(lens.String()).Set(0)
		}
	}

	eval := o.engine.Finalize(ctx, req, findings, len(fallbacks))
	evaluationsTotal.WithLabelValues(string(eval.State.Verdict)).Inc()
	evaluationDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.String("verdict", string(eval.State.Verdict)),
		attribute.Int("fallbacks", len(fallbacks)),
	)
	return Result{Evaluation: eval, Usage: usage.snapshot(), Fallbacks: fallbacks}, nil
}

// lensOutcome is how one lens was resolved.
type lensOutcome struct {
	finding types.LensFinding
	path    string
	reason  string
}

// resolveLens answers lens deterministically when no agent applies or the
// rule-based lens blocks, then consults the cache, then runs the agent once
// per identical in-flight request. The deterministic status is a floor: an
// assisted finding less severe than it is discarded.
func (o *Orchestrator) resolveLens(ctx context.Context, lens types.LensType, req *types.EvaluationRequest, usage *callUsage) lensOutcome {
	det := o.engine.RunLens(ctx, lens, req)

	agent, ok := o.agentFor(lens)
	if !ok || !agent.NeedsLLM(req) || det.State.Status == types.LensBlocked {
		return lensOutcome{finding: det, path: pathDeterministic}
	}

	key := resilience.CacheKey(req.Contract, req.Output, req.Context, lens)
	if f, ok := o.cache.Get(ctx, key); ok {
		usage.cacheHit()
		return o.applyFloor(ctx, lensOutcome{finding: f, path: pathCache}, det)
	}

	v, _, shared := o.group.Do(key, func() (any, error) {
		return o.evaluateLens(ctx, lens, agent, req, key, det, usage), nil
	})
	out := v.(lensOutcome)
	if shared {
		out.finding = out.finding.Clone()
	}
	return o.applyFloor(ctx, out, det)
}

// applyFloor keeps det when out is less severe than it.
func (o *Orchestrator) applyFloor(ctx context.Context, out lensOutcome, det types.LensFinding) lensOutcome {
	if out.finding.State.Status.Severity() >= det.State.Status.Severity() {
		return out
	}
	lensOverruled.WithLabelValues(det.Lens.String()).Inc()
	o.logger.InfoContext(ctx, "assisted finding below deterministic floor",
		slog.String("lens", det.Lens.String()),
		slog.String("assisted", string(out.finding.State.Status)),
		slog.String("deterministic", string(det.State.Status)))
	return lensOutcome{finding: det.Clone(), path: pathFloor, reason: out.reason}
}

// evaluateLens runs the agent behind the breaker and budget and falls back
// on any failure.
func (o *Orchestrator) evaluateLens(ctx context.Context, lens types.LensType, agent agents.LensAgent, req *types.EvaluationRequest, key string, det types.LensFinding, usage *callUsage) lensOutcome {
	ctx, span := tracer.Start(ctx, "orchestrator.Orchestrator.evaluateLens",
		trace.WithAttributes(attribute.String("lens", lens.String())))
	defer span.End()

	if !o.budget.CanAfford(lens, o.cfg.EstimatedTokens) {
		return o.fallback(ctx, lens, key, det, reasonBudget, "token budget exhausted", nil, usage)
	}
	if err := o.breaker.Allow(lens); err != nil {
		return o.fallback(ctx, lens, key, det, reasonCircuitOpen, "circuit open", nil, usage)
	}

	timeout := o.timeoutFor(lens, agent)
	f, err := o.callAgent(ctx, lens, req, timeout, usage, func(ctx context.Context) (types.LensFinding, error) {
		return agent.Evaluate(ctx, req)
	})
	if err != nil {
		o.breaker.RecordFailure(lens)
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent failed")
		o.logger.WarnContext(ctx, "lens agent failed",
			slog.String("lens", lens.String()),
			slog.String("error", err.Error()))

		var retry func(context.Context, string) (types.LensFinding, error)
		if mo, ok := agent.(agents.ModelOverrider); ok {
			retry = func(ctx context.Context, model string) (types.LensFinding, error) {
				if !o.budget.CanAfford(lens, o.cfg.EstimatedTokens) {
					return types.LensFinding{}, errors.New("retry not permitted: token budget exhausted")
				}
				if err := o.breaker.Allow(lens); err != nil {
					return types.LensFinding{}, err
				}
				f, err := o.callAgent(ctx, lens, req, timeout, usage, func(ctx context.Context) (types.LensFinding, error) {
					return mo.EvaluateWithModel(ctx, req, model)
				})
				if err != nil {
					o.breaker.RecordFailure(lens)
					return types.LensFinding{}, err
				}
				o.breaker.RecordSuccess(lens)
				o.cache.Set(ctx, key, f)
				return f, nil
			}
		}
		return o.fallback(ctx, lens, key, det, failureReason(err), err.Error(), retry, usage)
	}

	o.breaker.RecordSuccess(lens)
	o.cache.Set(ctx, key, f)
	return lensOutcome{finding: f, path: pathAssisted}
}

// callAgent runs call under timeout, charges its usage and validates the
// evidence it returns.
func (o *Orchestrator) callAgent(ctx context.Context, lens types.LensType, req *types.EvaluationRequest, timeout time.Duration, usage *callUsage, call func(context.Context) (types.LensFinding, error)) (types.LensFinding, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx = agents.WithUsage(actx, func(u llm.TokenUsage, model string) {
		o.budget.RecordUsage(lens, u, model)
		usage.add(u, model)
		tokensTotal.WithLabelValues(lens.String(), model).Add(float64(u.Total()))
	})

	type reply struct {
		finding types.LensFinding
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		f, err := call(actx)
		done <- reply{f, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-actx.Done():
		return types.LensFinding{}, &agents.AgentError{Kind: agents.KindTimeout, Timeout: timeout, Err: actx.Err()}
	}
	if r.err != nil {
		return types.LensFinding{}, r.err
	}

	f := r.finding
	f.Lens = lens
	if err := validateEvidence(req, f); err != nil {
		return types.LensFinding{}, err
	}
	return f, nil
}

// fallback runs the chain for lens and records the fallback.
func (o *Orchestrator) fallback(ctx context.Context, lens types.LensType, key string, det types.LensFinding, kind, reason string, retry func(context.Context, string) (types.LensFinding, error), usage *callUsage) lensOutcome {
	o.budget.RecordFallback()
	usage.fallback()
	fallbacksTotal.WithLabelValues(lens.String(), kind).Inc()

	out, err := o.chain.Run(ctx, lens, reason, resilience.FallbackHandlers{
		Cache:        func(ctx context.Context) (types.LensFinding, bool) { return o.cache.Get(ctx, key) },
		SimplerModel: retry,
		Deterministic: func(context.Context) types.LensFinding {
			return det.Clone()
		},
	})
	f := out.Finding
	if err != nil {
		f = resilience.UncertainFinding(lens, reason)
	}

	o.logger.InfoContext(ctx, "lens fell back",
		slog.String("lens", lens.String()),
		slog.String("reason", reason),
		slog.String("strategy", out.Strategy.String()))
	return lensOutcome{finding: f, path: pathFallback, reason: reason}
}

func (o *Orchestrator) timeoutFor(lens types.LensType, agent agents.LensAgent) time.Duration {
	if d, ok := o.cfg.LensTimeouts[lens.String()]; ok && d > 0 {
		return d
	}
	if d := agent.Timeout(); d > 0 {
		return d
	}
	return agents.DefaultTimeout
}

// validateEvidence checks every textual evidence pointer in f against the
// request.
func validateEvidence(req *types.EvaluationRequest, f types.LensFinding) error {
	v := evidence.New(req.Output, req.Context)
	for _, re := range f.RulesEvaluated {
		for _, ev := range re.Evidence {
			if !ev.IsTextual() {
				continue
			}
			if err := v.Validate(ev); err != nil {
				return &agents.AgentError{Kind: agents.KindEvidenceInvalid, Message: err.Error(), Err: err}
			}
		}
	}
	return nil
}

func failureReason(err error) string {
	kind, _ := agents.KindOf(err)
	switch kind {
	case agents.KindTimeout:
		return reasonTimeout
	case agents.KindEvidenceInvalid:
		return reasonEvidence
	case agents.KindBudgetExceeded:
		return reasonBudget
	default:
		return reasonAgentError
	}
}

// callUsage accumulates the model usage of one Evaluate call.
type callUsage struct {
	mu sync.Mutex
	u  resilience.LLMUsage
}

func (c *callUsage) add(u llm.TokenUsage, model string) {
	c.mu.Lock()
	c.u.Add(u, model)
	c.mu.Unlock()
}

func (c *callUsage) cacheHit() {
	c.mu.Lock()
	c.u.CacheHits++
	c.mu.Unlock()
}

func (c *callUsage) fallback() {
	c.mu.Lock()
	c.u.Fallbacks++
	c.mu.Unlock()
}

func (c *callUsage) snapshot() resilience.LLMUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.u
}
