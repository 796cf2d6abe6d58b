// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lenses

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/steward/services/policy_engine"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/types"
)

// BoundaryCategory routes a boundary rule to a detector.
type BoundaryCategory int

const (
	BoundaryGeneric BoundaryCategory = iota
	BoundaryPII
	BoundarySecrets
	BoundaryMedicalAdvice
	BoundaryLegal
	BoundaryHumanRequest
	BoundaryMedical
	BoundaryFinancial
	BoundaryFrustration
)

const (
	boundariesBlockedConfidence = 0.98
	boundariesEmptyConfidence   = 0.5
)

// BoundariesLens answers "Does this respect defined scope and stop
// conditions?" over invalidated_by, must_escalate_when and must_pause_when.
//
// invalidated_by rules run first; the first Violated rule blocks the lens and
// stops evaluation. Escalation and pause rules accumulate Uncertain results
// and the first reason recorded becomes the escalation message.
type BoundariesLens struct {
	lib *policy_engine.PatternLibrary
}

// NewBoundariesLens creates the lens over lib.
func NewBoundariesLens(lib *policy_engine.PatternLibrary) *BoundariesLens {
	return &BoundariesLens{lib: lib}
}

func (l *BoundariesLens) Type() types.LensType { return types.LensBoundaries }

func (l *BoundariesLens) Question() string {
	return "Does this respect defined scope and stop conditions?"
}

// CategorizeInvalidating maps an invalidated_by rule to its detector.
func CategorizeInvalidating(ruleText string) BoundaryCategory {
	lower := strings.ToLower(ruleText)
	switch {
	case mentions(lower, "pii", "personal"):
		return BoundaryPII
	case mentions(lower, "credential", "secret"):
		return BoundarySecrets
	case mentions(lower, "medical") && mentions(lower, "advice"):
		return BoundaryMedicalAdvice
	default:
		return BoundaryGeneric
	}
}

// CategorizeEscalation maps a must_escalate_when rule to its detector.
func CategorizeEscalation(ruleText string) BoundaryCategory {
	lower := strings.ToLower(ruleText)
	switch {
	case mentions(lower, "legal", "compliance"):
		return BoundaryLegal
	case mentions(lower, "human") && mentions(lower, "request"):
		return BoundaryHumanRequest
	case mentions(lower, "medical"):
		return BoundaryMedical
	case mentions(lower, "financial", "invest"):
		return BoundaryFinancial
	default:
		return BoundaryGeneric
	}
}

// CategorizePause maps a must_pause_when rule to its detector.
func CategorizePause(ruleText string) BoundaryCategory {
	lower := strings.ToLower(ruleText)
	if mentions(lower, "frustrat", "anger") {
		return BoundaryFrustration
	}
	return BoundaryGeneric
}

// Evaluate runs the boundary checks.
func (l *BoundariesLens) Evaluate(req *types.EvaluationRequest) types.LensFinding {
	c := contractOf(req)
	content := outputOf(req)
	ctx := contextOf(req)

	if len(c.Boundaries.InvalidatedBy)+len(c.Boundaries.MustEscalateWhen)+len(c.Boundaries.MustPauseWhen) == 0 {
		return emptyTopic(l, boundariesEmptyConfidence)
	}

	b := newFindingBuilder(l)

	for _, rule := range c.Boundaries.InvalidatedBy {
		switch CategorizeInvalidating(rule.Rule) {
		case BoundaryPII:
			if l.violatedBy(b, rule, content, l.lib.DetectPII(content), "exposed in response") {
				return b.blocked(rule, boundariesBlockedConfidence)
			}
		case BoundarySecrets:
			if l.violatedBy(b, rule, content, l.lib.DetectSecrets(content), "exposed") {
				return b.blocked(rule, boundariesBlockedConfidence)
			}
		case BoundaryMedicalAdvice:
			if m, ok := l.lib.First(policy_engine.FamilyMedical, content); ok {
				b.uncertain(rule, "Possible medical content detected",
					"Content may contain medical advice",
					outputEvidence("Medical-related content detected", content, m))
			} else {
				b.satisfied(rule, "No medical content detected")
			}
		default:
			b.notApplicable(rule, "No deterministic check applies to this rule")
		}
	}

	for _, rule := range c.Boundaries.MustEscalateWhen {
		switch CategorizeEscalation(rule.Rule) {
		case BoundaryLegal:
			l.escalateOnKeyword(b, rule, content, ctx, policy_engine.FamilyLegal,
				"Legal/compliance topic detected")
		case BoundaryHumanRequest:
			if idx, m, ok := l.lib.FirstInAny(policy_engine.FamilyHumanRequest, ctx); ok {
				b.uncertain(rule, "Customer explicitly requested human agent",
					"Customer explicitly requested a human",
					contextEvidence("Customer requested human agent", ctx, idx, m))
			} else {
				b.satisfied(rule, "No request for a human in context")
			}
		case BoundaryMedical:
			l.escalateOnKeyword(b, rule, content, ctx, policy_engine.FamilyMedical,
				"Medical topic detected")
		case BoundaryFinancial:
			l.escalateOnKeyword(b, rule, content, ctx, policy_engine.FamilyFinancial,
				"Financial advice topic detected")
		default:
			b.notApplicable(rule, "No deterministic check applies to this rule")
		}
	}

	for _, rule := range c.Boundaries.MustPauseWhen {
		switch CategorizePause(rule.Rule) {
		case BoundaryFrustration:
			if idx, m, ok := l.lib.FirstInAny(policy_engine.FamilyFrustration, ctx); ok {
				b.uncertain(rule, "Customer frustration detected",
					"Frustration keywords detected in context",
					contextEvidence("Customer frustration detected", ctx, idx, m))
			} else {
				b.satisfied(rule, "No frustration detected in context")
			}
		default:
			b.notApplicable(rule, "No deterministic check applies to this rule")
		}
	}

	return b.finish()
}

// violatedBy records rule as Violated on the first match, or Satisfied.
func (l *BoundariesLens) violatedBy(b *findingBuilder, rule contract.Rule, content string, matches []policy_engine.Match, verb string) bool {
	if len(matches) == 0 {
		b.satisfied(rule, "No matching content detected")
		return false
	}
	m := matches[0]
	b.violated(rule,
		fmt.Sprintf("%s found at position %s", m.Label, position(m)),
		outputEvidence(fmt.Sprintf("%s %s", m.Label, verb), content, m))
	return true
}

// escalateOnKeyword checks the output first, then context entries in order.
func (l *BoundariesLens) escalateOnKeyword(b *findingBuilder, rule contract.Rule, content string, ctx []string, family policy_engine.Family, reason string) {
	if m, ok := l.lib.First(family, content); ok {
		b.uncertain(rule, reason, fmt.Sprintf("%q mentioned in output", m.Label),
			outputEvidence(reason, content, m))
		return
	}
	if idx, m, ok := l.lib.FirstInAny(family, ctx); ok {
		b.uncertain(rule, reason, fmt.Sprintf("%q mentioned in context", m.Label),
			contextEvidence(reason, ctx, idx, m))
		return
	}
	b.satisfied(rule, "Topic not detected")
}
