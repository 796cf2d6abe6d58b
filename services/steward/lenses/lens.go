// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lenses implements the five deterministic governance lenses.
//
// Each lens maps (Contract, Output, Context) to a LensFinding. Lenses share no
// mutable state and never see each other's findings, so the synthesizer's
// precedence rule holds regardless of execution order. A lens never returns
// an error: missing rules or missing matches resolve to a valid finding with
// an appropriate confidence.
//
// Rule-to-detector routing is heuristic. Every lens exposes an explicit
// categorisation function over the lower-cased rule text; rules that match no
// category fall back to that lens's generic check.
package lenses

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/steward/services/policy_engine"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/types"
)

// Lens is one governance evaluator.
type Lens interface {
	// Type returns the lens identity.
	Type() types.LensType

	// Question returns the governance question the lens answers.
	Question() string

	// Evaluate inspects the request and returns a finding. It never fails.
	Evaluate(req *types.EvaluationRequest) types.LensFinding
}

const (
	// uncertainPenalty is subtracted from lens confidence per Uncertain rule.
	uncertainPenalty = 0.15

	// emptyTopicConfidence is reported when the contract has nothing for a
	// lens to check.
	emptyTopicConfidence = 0.6
)

// =============================================================================
// Registry
// =============================================================================

// Registry holds one lens per LensType, indexed in canonical order.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Registry struct {
	lenses [len(types.CanonicalOrder)]Lens
}

// NewRegistry builds the five lenses over one pattern library.
func NewRegistry(lib *policy_engine.PatternLibrary) *Registry {
	r := &Registry{}
	for _, l := range []Lens{
		NewDignityLens(lib),
		NewBoundariesLens(lib),
		NewRestraintLens(lib),
		NewTransparencyLens(lib),
		NewAccountabilityLens(),
	} {
		r.lenses[l.Type()] = l
	}
	return r
}

// DefaultRegistry returns a registry over the embedded pattern library.
func DefaultRegistry() *Registry {
	return NewRegistry(policy_engine.Default())
}

// All returns the lenses in canonical order.
func (r *Registry) All() []Lens {
	out := make([]Lens, 0, len(r.lenses))
	for _, l := range types.CanonicalOrder {
		out = append(out, r.lenses[l])
	}
	return out
}

// Get returns the lens for t.
func (r *Registry) Get(t types.LensType) (Lens, bool) {
	if !t.Valid() {
		return nil, false
	}
	return r.lenses[t], true
}

// All returns the default lenses in canonical order.
func All() []Lens {
	return DefaultRegistry().All()
}

// ForType returns the default lens for t.
func ForType(t types.LensType) (Lens, bool) {
	return DefaultRegistry().Get(t)
}

// =============================================================================
// Finding construction
// =============================================================================

// findingBuilder accumulates rule evaluations for one lens run.
type findingBuilder struct {
	lens    Lens
	rules   []types.RuleEvaluation
	reasons []string
}

func newFindingBuilder(l Lens) *findingBuilder {
	return &findingBuilder{lens: l, rules: []types.RuleEvaluation{}}
}

func (b *findingBuilder) add(rule contract.Rule, result types.RuleResult, rationale string, evidence ...types.Evidence) {
	if evidence == nil {
		evidence = []types.Evidence{}
	}
	b.rules = append(b.rules, types.RuleEvaluation{
		RuleID:    rule.ID,
		RuleText:  rule.Rule,
		Result:    result,
		Evidence:  evidence,
		Rationale: rationale,
	})
}

func (b *findingBuilder) satisfied(rule contract.Rule, rationale string, evidence ...types.Evidence) {
	b.add(rule, types.RuleSatisfied, rationale, evidence...)
}

func (b *findingBuilder) notApplicable(rule contract.Rule, rationale string) {
	b.add(rule, types.RuleNotApplicable, rationale)
}

func (b *findingBuilder) violated(rule contract.Rule, rationale string, evidence ...types.Evidence) {
	b.add(rule, types.RuleViolated, rationale, evidence...)
}

// uncertain records an Uncertain rule and queues reason for escalation.
func (b *findingBuilder) uncertain(rule contract.Rule, reason, rationale string, evidence ...types.Evidence) {
	b.add(rule, types.RuleUncertain, rationale, evidence...)
	b.reasons = append(b.reasons, fmt.Sprintf("%s (rule %s)", reason, rule.ID))
}

func (b *findingBuilder) hasViolation() bool {
	for _, re := range b.rules {
		if re.Result == types.RuleViolated {
			return true
		}
	}
	return false
}

// blocked returns a Blocked finding for the first violated rule.
func (b *findingBuilder) blocked(rule contract.Rule, confidence float64) types.LensFinding {
	return types.LensFinding{
		Lens:           b.lens.Type(),
		QuestionAsked:  b.lens.Question(),
		State:          types.Blocked(fmt.Sprintf("%s: %s", rule.ID, rule.Rule)),
		RulesEvaluated: b.rules,
		Confidence:     confidence,
	}
}

// finish returns Pass, or Escalate with the first queued reason.
func (b *findingBuilder) finish() types.LensFinding {
	state := types.Pass()
	if len(b.reasons) > 0 {
		state = types.Escalate(b.reasons[0])
	}
	return types.LensFinding{
		Lens:           b.lens.Type(),
		QuestionAsked:  b.lens.Question(),
		State:          state,
		RulesEvaluated: b.rules,
		Confidence:     ruleConfidence(b.rules),
	}
}

// emptyTopic is the finding for a lens with nothing to check.
func emptyTopic(l Lens, confidence float64) types.LensFinding {
	return types.LensFinding{
		Lens:           l.Type(),
		QuestionAsked:  l.Question(),
		State:          types.Pass(),
		RulesEvaluated: []types.RuleEvaluation{},
		Confidence:     confidence,
	}
}

// ruleConfidence starts at 1.0, subtracts a small penalty per Satisfied rule
// (smaller with more supporting evidence) and uncertainPenalty per Uncertain
// rule, then clamps.
func ruleConfidence(rules []types.RuleEvaluation) float64 {
	confidence := 1.0
	for _, re := range rules {
		switch re.Result {
		case types.RuleSatisfied:
			switch len(re.Evidence) {
			case 0:
				confidence -= 0.05
			case 1:
				confidence -= 0.02
			default:
				confidence -= 0.01
			}
		case types.RuleUncertain:
			confidence -= uncertainPenalty
		}
	}
	return types.Clamp01(confidence)
}

// =============================================================================
// Helpers
// =============================================================================

func contractOf(req *types.EvaluationRequest) *contract.Contract {
	if req == nil || req.Contract == nil {
		return &contract.Contract{}
	}
	return req.Contract
}

func outputOf(req *types.EvaluationRequest) string {
	if req == nil {
		return ""
	}
	return req.Output.Content
}

func contextOf(req *types.EvaluationRequest) []string {
	if req == nil {
		return nil
	}
	return req.Context
}

// mentions reports whether lower contains any of the substrings.
func mentions(lower string, substrings ...string) bool {
	for _, s := range substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// mentionsWord reports whether lower contains w as a whole word.
func mentionsWord(lower, w string) bool {
	for _, f := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if f == w {
			return true
		}
	}
	return false
}

// outputEvidence anchors a pattern match in the output.
func outputEvidence(claim, content string, m policy_engine.Match) types.Evidence {
	return types.FromOutput(claim, content, m.Start, m.End)
}

// contextEvidence anchors a pattern match in context entry idx.
func contextEvidence(claim string, ctx []string, idx int, m policy_engine.Match) types.Evidence {
	return types.FromContext(claim, ctx[idx], idx, m.Start, m.End)
}

func position(m policy_engine.Match) string {
	return fmt.Sprintf("%d:%d", m.Start, m.End)
}

// RulesFor returns the contract rules lens t is responsible for. The
// accountability lens checks the contract's accountability section through
// the synthetic ACC rules.
func RulesFor(t types.LensType, c *contract.Contract) []contract.Rule {
	if c == nil {
		c = &contract.Contract{}
	}
	switch t {
	case types.LensDignity:
		return c.DignityRules()
	case types.LensBoundaries:
		return c.BoundariesRules()
	case types.LensRestraint:
		return c.RestraintRules()
	case types.LensTransparency:
		return c.TransparencyRules()
	case types.LensAccountability:
		return []contract.Rule{ruleAnswerableHuman, ruleEscalationPath, ruleApprovedBy}
	default:
		return nil
	}
}
