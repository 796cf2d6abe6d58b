// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the deterministic evaluation entry point.
//
// Evaluate runs the five lenses concurrently against one request, waits for
// all of them, synthesizes the verdict, then lets metadata extensions annotate
// the result. No AI assistant is consulted; identical inputs give identical
// state and confidence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/steward/pkg/extensions"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/lenses"
	"github.com/AleutianAI/steward/services/steward/synthesizer"
	"github.com/AleutianAI/steward/services/steward/types"
)

// ErrNilContract is returned when Evaluate is called without a contract.
var ErrNilContract = errors.New("contract is required")

// Audit actors for the built-in surfaces.
const (
	ActorCLI       = "cli"
	ActorAPI       = "api"
	ActorAnonymous = "anonymous"
)

type actorKey struct{}

// WithActor returns a context carrying the caller identity recorded in audit
// events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or ActorAnonymous.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return ActorAnonymous
}

// Engine evaluates outputs with the deterministic lenses.
//
// Thread Safety: Engine is immutable after New and safe for concurrent use.
type Engine struct {
	registry *lenses.Registry
	options  extensions.ServiceOptions
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry replaces the default lens registry.
func WithRegistry(r *lenses.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithServiceOptions sets the metadata extensions and audit logger.
func WithServiceOptions(opts extensions.ServiceOptions) Option {
	return func(e *Engine) { e.options = opts }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the evaluation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides evaluation id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New creates an Engine over the default lens registry.
func New(opts ...Option) *Engine {
	e := &Engine{
		registry: lenses.DefaultRegistry(),
		options:  extensions.DefaultOptions(),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the lens registry used by the engine.
func (e *Engine) Registry() *lenses.Registry {
	return e.registry
}

// Evaluate decides whether output may proceed under c.
//
// Description:
//
//	Checks the contract structure, runs every lens, synthesizes the verdict
//	and applies metadata extensions. Request metadata is copied into the
//	result metadata before extensions run. Uncertain outcomes are Escalate
//	verdicts, not errors.
//
// Inputs:
//
//	ctx - Carries the audit actor (see WithActor).
//	c - The stewardship contract. Required.
//	output - The content under evaluation.
//	history - Prior conversation turns. May be nil.
//	metadata - Caller annotations. May be nil.
//
// Outputs:
//
//	types.EvaluationResult - The verdict.
//	error - ErrNilContract or a structural contract error matching
//	        contract.ErrInvalidContract.
func (e *Engine) Evaluate(ctx context.Context, c *contract.Contract, output types.Output, history []string, metadata map[string]string) (types.EvaluationResult, error) {
	return e.EvaluateRequest(ctx, &types.EvaluationRequest{
		Contract: c,
		Output:   output,
		Context:  history,
		Metadata: metadata,
	})
}

// EvaluateRequest is Evaluate over a prepared request.
func (e *Engine) EvaluateRequest(ctx context.Context, req *types.EvaluationRequest) (types.EvaluationResult, error) {
	if err := e.Check(ctx, req); err != nil {
		return types.EvaluationResult{}, err
	}
	findings := e.Findings(ctx, req)
	return e.Finalize(ctx, req, findings, 0), nil
}

// Check rejects structurally malformed requests and audits the rejection.
func (e *Engine) Check(ctx context.Context, req *types.EvaluationRequest) error {
	var err error
	switch {
	case req == nil || req.Contract == nil:
		err = ErrNilContract
	default:
		if serr := req.Contract.CheckStructure(); serr != nil {
			err = fmt.Errorf("evaluate: %w", serr)
		}
	}
	if err == nil {
		return nil
	}

	event := extensions.AuditEvent{
		EventType: extensions.EventEvaluationRejected,
		Timestamp: e.now(),
		Actor:     ActorFrom(ctx),
		Outcome:   "error",
		Metadata:  map[string]string{"error": err.Error()},
	}
	if req != nil && req.Contract != nil {
		event.ContractName = req.Contract.Name
		event.ContractVersion = req.Contract.ContractVersion
	}
	e.audit(ctx, event)
	return err
}

// Findings runs every registered lens concurrently and collects one finding
// per lens.
//
// Lenses share no state, so the result does not depend on scheduling. A lens
// that panics yields an Escalate finding with zero confidence.
func (e *Engine) Findings(ctx context.Context, req *types.EvaluationRequest) types.LensFindings {
	all := e.registry.All()
	slots := make([]types.LensFinding, len(all))

	g, _ := errgroup.WithContext(ctx)
	for i, lens := range all {
		g.Go(func() error {
			slots[i] = e.runLens(ctx, lens, req)
			return nil
		})
	}
	_ = g.Wait()

	var findings types.LensFindings
	for i, lens := range all {
		findings.Set(lens.Type(), slots[i])
	}
	return findings
}

// RunLens evaluates a single lens, converting a panic into an Escalate
// finding.
func (e *Engine) RunLens(ctx context.Context, t types.LensType, req *types.EvaluationRequest) types.LensFinding {
	lens, ok := e.registry.Get(t)
	if !ok {
		return internalFailure(t, "", fmt.Errorf("no lens registered for %s", t))
	}
	return e.runLens(ctx, lens, req)
}

func (e *Engine) runLens(ctx context.Context, lens lenses.Lens, req *types.EvaluationRequest) (f types.LensFinding) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			e.logger.ErrorContext(ctx, "lens evaluation failed",
				slog.String("lens", lens.Type().String()),
				slog.String("error", err.Error()))
			f = internalFailure(lens.Type(), lens.Question(), err)
		}
	}()
	return lens.Evaluate(req)
}

func internalFailure(t types.LensType, question string, err error) types.LensFinding {
	return types.LensFinding{
		Lens:           t,
		QuestionAsked:  question,
		State:          types.Escalate("Lens evaluation failed: " + err.Error()),
		RulesEvaluated: []types.RuleEvaluation{},
		Confidence:     0,
	}
}

// Finalize synthesizes findings into a result, applies metadata extensions
// and writes the audit event.
//
// Inputs:
//
//	req - The request the findings were produced for.
//	findings - One finding per lens.
//	fallbacks - Number of lenses that fell back; recorded in the audit event.
//
// Outputs:
//
//	types.EvaluationResult - State and confidence are fixed by synthesis;
//	    extensions only add metadata.
func (e *Engine) Finalize(ctx context.Context, req *types.EvaluationRequest, findings types.LensFindings, fallbacks int) types.EvaluationResult {
	result := synthesizer.Synthesize(findings, req.Contract, e.now())
	result.EvaluationID = e.newID()

	meta := extensions.NewMetadata()
	for k, v := range req.Metadata {
		meta.Set(k, v)
	}
	facts := extensions.EvaluationFacts{
		EvaluationID:    result.EvaluationID,
		ContractName:    req.Contract.Name,
		ContractVersion: req.Contract.ContractVersion,
		Verdict:         string(result.State.Verdict),
		Confidence:      result.Confidence,
		RulesEvaluated:  findings.TotalRulesEvaluated(),
	}
	if err := extensions.ApplyExtensions(ctx, e.options.Extensions, facts, meta); err != nil {
		e.logger.WarnContext(ctx, "metadata extension failed",
			slog.String("evaluation_id", result.EvaluationID),
			slog.String("error", err.Error()))
	}
	result.Metadata = meta

	e.logger.DebugContext(ctx, "evaluation complete",
		slog.String("evaluation_id", result.EvaluationID),
		slog.String("contract", req.Contract.Identity()),
		slog.String("verdict", string(result.State.Verdict)),
		slog.Float64("confidence", result.Confidence))

	e.audit(ctx, extensions.AuditEvent{
		EventType:       extensions.EventEvaluationCompleted,
		Timestamp:       result.EvaluatedAt,
		Actor:           ActorFrom(ctx),
		EvaluationID:    result.EvaluationID,
		ContractName:    req.Contract.Name,
		ContractVersion: req.Contract.ContractVersion,
		Outcome:         string(result.State.Verdict),
		Confidence:      result.Confidence,
		Fallbacks:       fallbacks,
		Metadata:        meta.Clone(),
	})
	return result
}

func (e *Engine) audit(ctx context.Context, event extensions.AuditEvent) {
	if err := e.options.Audit().Log(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()))
	}
}

var defaultEngine = New()

// Evaluate runs the default engine. See Engine.Evaluate.
func Evaluate(ctx context.Context, c *contract.Contract, output types.Output, history []string, metadata map[string]string) (types.EvaluationResult, error) {
	return defaultEngine.Evaluate(ctx, c, output, history, metadata)
}
