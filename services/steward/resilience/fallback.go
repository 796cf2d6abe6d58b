// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/steward/services/steward/types"
)

// ErrFallbacksExhausted is returned when no strategy produced a finding.
var ErrFallbacksExhausted = errors.New("all fallbacks exhausted")

// DeterministicFallbackFactor scales the confidence of a deterministic
// finding used in place of an assisted one.
const DeterministicFallbackFactor = 0.8

// DefaultSimplerModel is the model tried by "simpler_model" without a model
// name.
const DefaultSimplerModel = "claude-haiku-4-5"

// StrategyKind names a fallback strategy.
type StrategyKind string

const (
	StrategyCache                   StrategyKind = "cache"
	StrategySimplerModel            StrategyKind = "simpler_model"
	StrategyDeterministic           StrategyKind = "deterministic"
	StrategyEscalateWithUncertainty StrategyKind = "escalate_with_uncertainty"
	StrategyFail                    StrategyKind = "fail"
)

// FallbackStrategy is one step of a FallbackChain. Model is only used by
// StrategySimplerModel.
type FallbackStrategy struct {
	Kind  StrategyKind `json:"type" yaml:"type"`
	Model string       `json:"model,omitempty" yaml:"model,omitempty"`
}

func (s FallbackStrategy) String() string {
	if s.Kind == StrategySimplerModel {
		return string(s.Kind) + ":" + s.Model
	}
	return string(s.Kind)
}

// ParseStrategy parses "cache", "deterministic", "simpler_model:<model>",
// "escalate_with_uncertainty" or "fail".
func ParseStrategy(s string) (FallbackStrategy, error) {
	name, model, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch kind := StrategyKind(name); kind {
	case StrategyCache, StrategyDeterministic, StrategyEscalateWithUncertainty, StrategyFail:
		return FallbackStrategy{Kind: kind}, nil
	case StrategySimplerModel:
		if model == "" {
			model = DefaultSimplerModel
		}
		return FallbackStrategy{Kind: kind, Model: model}, nil
	default:
		return FallbackStrategy{}, fmt.Errorf("unknown fallback strategy %q", s)
	}
}

// FallbackChain is an ordered list of strategies tried after an assisted
// lens evaluation fails.
type FallbackChain struct {
	strategies []FallbackStrategy
}

// NewFallbackChain creates a chain.
func NewFallbackChain(strategies ...FallbackStrategy) FallbackChain {
	return FallbackChain{strategies: append([]FallbackStrategy(nil), strategies...)}
}

// DefaultFallbackChain is Cache, Deterministic, EscalateWithUncertainty.
// A failed lens makes no further model calls; SimplerModel must be
// configured explicitly.
func DefaultFallbackChain() FallbackChain {
	return NewFallbackChain(
		FallbackStrategy{Kind: StrategyCache},
		FallbackStrategy{Kind: StrategyDeterministic},
		FallbackStrategy{Kind: StrategyEscalateWithUncertainty},
	)
}

// ParseFallbackChain builds a chain from config strings. An empty list gives
// the default chain.
func ParseFallbackChain(names []string) (FallbackChain, error) {
	if len(names) == 0 {
		return DefaultFallbackChain(), nil
	}
	out := make([]FallbackStrategy, 0, len(names))
	for _, n := range names {
		s, err := ParseStrategy(n)
		if err != nil {
			return FallbackChain{}, err
		}
		out = append(out, s)
	}
	return NewFallbackChain(out...), nil
}

// Add returns a chain with s appended.
func (c FallbackChain) Add(s FallbackStrategy) FallbackChain {
	return NewFallbackChain(append(c.Strategies(), s)...)
}

// Strategies returns a copy of the strategies in order.
func (c FallbackChain) Strategies() []FallbackStrategy {
	return append([]FallbackStrategy(nil), c.strategies...)
}

// FallbackHandlers supplies the lens-specific work for each strategy. A nil
// handler makes its strategy a no-op.
type FallbackHandlers struct {
	// Cache returns a previously stored finding.
	Cache func(ctx context.Context) (types.LensFinding, bool)

	// SimplerModel retries the assisted evaluation with model.
	SimplerModel func(ctx context.Context, model string) (types.LensFinding, error)

	// Deterministic runs the rule-based lens.
	Deterministic func(ctx context.Context) types.LensFinding
}

// FallbackOutcome reports which strategy produced the finding.
type FallbackOutcome struct {
	Finding  types.LensFinding
	Strategy FallbackStrategy
}

// Run tries each strategy in order until one yields a finding.
//
// Description:
//
//	Deterministic findings are scaled by DeterministicFallbackFactor.
//	EscalateWithUncertainty always succeeds with an Escalate finding at
//	zero confidence that names reason. Fail stops the chain.
//
// Outputs:
//
//	FallbackOutcome - The finding and the strategy that produced it.
//	error - ErrFallbacksExhausted when no strategy produced a finding, or
//	    ctx.Err() if the context ends first.
func (c FallbackChain) Run(ctx context.Context, lens types.LensType, reason string, h FallbackHandlers) (FallbackOutcome, error) {
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return FallbackOutcome{}, err
		}
		switch s.Kind {
		case StrategyCache:
			if h.Cache == nil {
				continue
			}
			if f, ok := h.Cache(ctx); ok {
				return FallbackOutcome{Finding: f, Strategy: s}, nil
			}
		case StrategySimplerModel:
			if h.SimplerModel == nil {
				continue
			}
			if f, err := h.SimplerModel(ctx, s.Model); err == nil {
				return FallbackOutcome{Finding: f, Strategy: s}, nil
			}
		case StrategyDeterministic:
			if h.Deterministic == nil {
				continue
			}
			f := h.Deterministic(ctx)
			f.Confidence = types.Clamp01(f.Confidence * DeterministicFallbackFactor)
			return FallbackOutcome{Finding: f, Strategy: s}, nil
		case StrategyEscalateWithUncertainty:
			return FallbackOutcome{Finding: UncertainFinding(lens, reason), Strategy: s}, nil
		case StrategyFail:
			return FallbackOutcome{}, fmt.Errorf("%w: %s", ErrFallbacksExhausted, reason)
		}
	}
	return FallbackOutcome{}, fmt.Errorf("%w: %s", ErrFallbacksExhausted, reason)
}

// UncertainFinding is the Escalate finding reported when a lens could not be
// evaluated.
func UncertainFinding(lens types.LensType, reason string) types.LensFinding {
	return types.LensFinding{
		Lens:           lens,
		State:          types.Escalate("Lens evaluation unavailable: " + reason),
		RulesEvaluated: []types.RuleEvaluation{},
		Confidence:     0,
	}
}
