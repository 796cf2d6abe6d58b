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

// RestraintCategory routes a privacy rule to a detector.
type RestraintCategory int

const (
	RestraintGeneric RestraintCategory = iota
	RestraintPII
	RestraintSecrets
	RestraintMinimisation
)

const restraintBlockedConfidence = 0.95

// RestraintLens answers "Does this expose what should be protected?"
//
// Unlike the boundaries lens it evaluates every rule before deciding, so a
// blocked finding lists all exposures rather than only the first.
type RestraintLens struct {
	lib *policy_engine.PatternLibrary
}

// NewRestraintLens creates the lens over lib.
func NewRestraintLens(lib *policy_engine.PatternLibrary) *RestraintLens {
	return &RestraintLens{lib: lib}
}

func (l *RestraintLens) Type() types.LensType { return types.LensRestraint }

func (l *RestraintLens) Question() string {
	return "Does this expose what should be protected?"
}

// CategorizeRestraint maps a privacy rule to its detector.
func CategorizeRestraint(ruleText string) RestraintCategory {
	lower := strings.ToLower(ruleText)
	switch {
	case mentions(lower, "credential", "secret"):
		return RestraintSecrets
	case mentions(lower, "minim"):
		return RestraintMinimisation
	case mentions(lower, "pii", "personal", "privacy", "expose"):
		return RestraintPII
	case mentions(lower, "data"):
		return RestraintMinimisation
	default:
		return RestraintGeneric
	}
}

// Evaluate runs the privacy checks.
func (l *RestraintLens) Evaluate(req *types.EvaluationRequest) types.LensFinding {
	rules := contractOf(req).RestraintRules()
	if len(rules) == 0 {
		return emptyTopic(l, emptyTopicConfidence)
	}
	content := outputOf(req)
	ctx := contextOf(req)

	b := newFindingBuilder(l)
	var firstViolated *contract.Rule

	for i, rule := range rules {
		var matches []policy_engine.Match
		switch CategorizeRestraint(rule.Rule) {
		case RestraintPII:
			matches = l.lib.DetectPII(content)
		case RestraintSecrets:
			matches = l.lib.DetectSecrets(content)
		case RestraintMinimisation:
			l.checkMinimisation(b, rule, content, ctx)
			continue
		default:
			b.notApplicable(rule, "No deterministic check applies to this rule")
			continue
		}

		if len(matches) == 0 {
			b.satisfied(rule, "Nothing protected found in output")
			continue
		}
		evidence := make([]types.Evidence, 0, len(matches))
		labels := make([]string, 0, len(matches))
		for _, m := range matches {
			evidence = append(evidence, outputEvidence(m.Label+" exposed", content, m))
			labels = append(labels, fmt.Sprintf("%s at %s", m.Label, position(m)))
		}
		b.violated(rule, "Exposed: "+strings.Join(labels, ", "), evidence...)
		if firstViolated == nil {
			firstViolated = &rules[i]
		}
	}

	if firstViolated != nil {
		return b.blocked(*firstViolated, restraintBlockedConfidence)
	}
	return b.finish()
}

// checkMinimisation flags PII in the output that the person did not supply
// themselves in context.
func (l *RestraintLens) checkMinimisation(b *findingBuilder, rule contract.Rule, content string, ctx []string) {
	for _, m := range l.lib.DetectPII(content) {
		text := m.Text(content)
		if suppliedInContext(text, ctx) {
			continue
		}
		b.uncertain(rule, "Output includes personal data not supplied by the customer",
			fmt.Sprintf("%s at %s does not appear in context", m.Label, position(m)),
			outputEvidence(m.Label+" introduced by output", content, m))
		return
	}
	b.satisfied(rule, "No personal data beyond what the customer supplied")
}

func suppliedInContext(text string, ctx []string) bool {
	for _, entry := range ctx {
		if strings.Contains(entry, text) {
			return true
		}
	}
	return false
}
