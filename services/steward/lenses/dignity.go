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

// DignityCategory routes a dignity rule to a detector.
type DignityCategory int

const (
	DignityGeneric DignityCategory = iota
	DignityPressure
	DignityExclusion
	DignityDismissive
	DignityHumanPath
)

const dignityBlockedConfidence = 0.95

// DignityLens answers "Does this disempower people or exclude them from
// relevance?"
//
// Pressure language is the one check whose severity depends on two pattern
// families: without an offered path to a human it blocks, with one it only
// escalates.
type DignityLens struct {
	lib *policy_engine.PatternLibrary
}

// NewDignityLens creates the lens over lib.
func NewDignityLens(lib *policy_engine.PatternLibrary) *DignityLens {
	return &DignityLens{lib: lib}
}

func (l *DignityLens) Type() types.LensType { return types.LensDignity }

func (l *DignityLens) Question() string {
	return "Does this disempower people or exclude them from relevance?"
}

// CategorizeDignity maps a dignity rule to its detector.
func CategorizeDignity(ruleText string) DignityCategory {
	lower := strings.ToLower(ruleText)
	switch {
	case mentions(lower, "pressure", "coerce", "manipulat", "force", "urgency"):
		return DignityPressure
	case mentions(lower, "exclu", "inclus", "bias", "stereotyp"):
		return DignityExclusion
	case mentions(lower, "dismiss", "condescend", "belittle", "respect"):
		return DignityDismissive
	case mentions(lower, "human", "escalat"):
		return DignityHumanPath
	default:
		return DignityGeneric
	}
}

// Evaluate runs the dignity checks. The first blocking rule short-circuits.
func (l *DignityLens) Evaluate(req *types.EvaluationRequest) types.LensFinding {
	rules := contractOf(req).DignityRules()
	if len(rules) == 0 {
		return emptyTopic(l, emptyTopicConfidence)
	}
	content := outputOf(req)
	ctx := contextOf(req)

	b := newFindingBuilder(l)
	for _, rule := range rules {
		switch CategorizeDignity(rule.Rule) {
		case DignityPressure:
			m, ok := l.lib.First(policy_engine.FamilyPressure, content)
			if !ok {
				b.satisfied(rule, "No pressure language detected")
				continue
			}
			ev := outputEvidence("Pressure language: "+m.Label, content, m)
			if esc, offered := l.lib.First(policy_engine.FamilyEscalation, content); offered {
				b.uncertain(rule, "Pressure language alongside an offered human path",
					fmt.Sprintf("Pressure at %s, escalation offered at %s", position(m), position(esc)),
					ev, outputEvidence("Human path offered", content, esc))
				continue
			}
			b.violated(rule, fmt.Sprintf("Pressure language at %s with no path to a human", position(m)), ev)
			return b.blocked(rule, dignityBlockedConfidence)

		case DignityExclusion:
			if m, ok := l.lib.First(policy_engine.FamilyExclusion, content); ok {
				b.violated(rule, fmt.Sprintf("Exclusionary language at %s", position(m)),
					outputEvidence("Exclusionary language: "+m.Label, content, m))
				return b.blocked(rule, dignityBlockedConfidence)
			}
			b.satisfied(rule, "No exclusionary language detected")

		case DignityHumanPath:
			if m, ok := l.lib.First(policy_engine.FamilyHumanDenial, content); ok {
				b.uncertain(rule, "Output denies access to a human",
					fmt.Sprintf("Human access denied at %s", position(m)),
					outputEvidence("Denies a human: "+m.Label, content, m))
				continue
			}
			if idx, m, ok := l.lib.FirstInAny(policy_engine.FamilyHumanRequest, ctx); ok &&
				!l.lib.Contains(policy_engine.FamilyEscalation, content) {
				b.uncertain(rule, "Request for a human left unanswered",
					"Context asks for a human and the output offers no path to one",
					contextEvidence("Customer asked for a human", ctx, idx, m))
				continue
			}
			b.satisfied(rule, "Path to a human preserved")

		default:
			// DignityDismissive and DignityGeneric share the dismissive check.
			l.checkDismissive(b, rule, content)
		}
	}
	return b.finish()
}

func (l *DignityLens) checkDismissive(b *findingBuilder, rule contract.Rule, content string) {
	if m, ok := l.lib.First(policy_engine.FamilyDismissive, content); ok {
		b.uncertain(rule, "Dismissive language detected",
			fmt.Sprintf("Dismissive phrase at %s", position(m)),
			outputEvidence("Dismissive language: "+m.Label, content, m))
		return
	}
	b.satisfied(rule, "No dismissive language detected")
}
