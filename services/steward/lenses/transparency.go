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
	"github.com/AleutianAI/steward/services/steward/types"
)

// TransparencyCategory routes a fit criterion to a detector.
type TransparencyCategory int

const (
	TransparencyGeneric TransparencyCategory = iota
	TransparencyCitation
	TransparencyAssumption
	TransparencyContestability
	TransparencyDisclosure
)

// TransparencyLens answers "Can the person understand and challenge this?"
// It escalates and never blocks.
type TransparencyLens struct {
	lib *policy_engine.PatternLibrary
}

// NewTransparencyLens creates the lens over lib.
func NewTransparencyLens(lib *policy_engine.PatternLibrary) *TransparencyLens {
	return &TransparencyLens{lib: lib}
}

func (l *TransparencyLens) Type() types.LensType { return types.LensTransparency }

func (l *TransparencyLens) Question() string {
	return "Can the person understand and challenge this?"
}

// CategorizeTransparency maps a fit criterion to its detector.
func CategorizeTransparency(ruleText string) TransparencyCategory {
	lower := strings.ToLower(ruleText)
	switch {
	case mentions(lower, "cite", "citation", "source", "reference", "evidence"):
		return TransparencyCitation
	case mentions(lower, "assum", "uncertain", "limitation"):
		return TransparencyAssumption
	case mentions(lower, "contest", "challenge", "appeal", "dispute"):
		return TransparencyContestability
	case mentions(lower, "disclos", "automat", "artificial") || mentionsWord(lower, "ai") || mentionsWord(lower, "bot"):
		return TransparencyDisclosure
	default:
		return TransparencyGeneric
	}
}

// Evaluate runs the transparency checks over the output.
func (l *TransparencyLens) Evaluate(req *types.EvaluationRequest) types.LensFinding {
	rules := contractOf(req).TransparencyRules()
	if len(rules) == 0 {
		return emptyTopic(l, emptyTopicConfidence)
	}
	content := outputOf(req)

	b := newFindingBuilder(l)
	for _, rule := range rules {
		switch CategorizeTransparency(rule.Rule) {
		case TransparencyCitation:
			claim, claimed := l.lib.First(policy_engine.FamilyClaim, content)
			cite, cited := l.lib.First(policy_engine.FamilyCitation, content)
			switch {
			case claimed && !cited:
				b.uncertain(rule, "Claim made without a cited source",
					fmt.Sprintf("Claim marker at %s, no citation", position(claim)),
					outputEvidence("Unsupported claim: "+claim.Label, content, claim))
			case cited:
				b.satisfied(rule, "Source cited", outputEvidence("Citation", content, cite))
			default:
				b.satisfied(rule, "No claims requiring a citation")
			}

		case TransparencyAssumption:
			m, assumed := l.lib.First(policy_engine.FamilyAssumption, content)
			if assumed && !l.lib.Contains(policy_engine.FamilyDisclosure, content) {
				b.uncertain(rule, "Assumption stated without disclosing uncertainty",
					fmt.Sprintf("Assumption marker at %s", position(m)),
					outputEvidence("Undisclosed assumption: "+m.Label, content, m))
				continue
			}
			b.satisfied(rule, "Assumptions absent or disclosed")

		case TransparencyContestability:
			if m, ok := l.lib.First(policy_engine.FamilyContestability, content); ok {
				b.satisfied(rule, "Output explains how to challenge it",
					outputEvidence("Contest path", content, m))
				continue
			}
			b.uncertain(rule, "No way to challenge the outcome is offered",
				"Output contains no contestability marker")

		case TransparencyDisclosure:
			if m, ok := l.lib.First(policy_engine.FamilyDisclosure, content); ok {
				b.satisfied(rule, "Automation or limitation disclosed",
					outputEvidence("Disclosure", content, m))
				continue
			}
			b.uncertain(rule, "Automated nature of the response is not disclosed",
				"Output contains no disclosure marker")

		default:
			b.satisfied(rule, "No deterministic transparency check applies")
		}
	}
	return b.finish()
}
