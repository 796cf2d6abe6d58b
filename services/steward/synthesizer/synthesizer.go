// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synthesizer folds five lens findings into one verdict.
//
// The policy is fixed: Blocked beats Escalate beats Proceed, ties are broken
// by types.CanonicalOrder, and the reported confidence is always the minimum
// lens confidence whichever branch fires. Nothing here is configurable and
// nothing here consults an assistant.
package synthesizer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/types"
)

// UnknownRuleID is reported when a blocked lens carries no Violated rule.
const UnknownRuleID = "UNKNOWN"

// Synthesize builds the EvaluationResult for one set of findings.
//
// Description:
//
//	Pure and total. Identical findings and contract always produce an
//	identical result apart from EvaluatedAt, which is set to now. The
//	returned Metadata map is empty and owned by the caller.
//
// Inputs:
//
//	findings - One finding per lens.
//	c - The contract; only accountability.answerable_human is read. May be nil.
//	now - Evaluation timestamp.
//
// Outputs:
//
//	types.EvaluationResult - The verdict, the findings and the min confidence.
func Synthesize(findings types.LensFindings, c *contract.Contract, now time.Time) types.EvaluationResult {
	result := types.EvaluationResult{
		LensFindings: findings,
		Confidence:   MinConfidence(findings),
		EvaluatedAt:  now,
		Metadata:     map[string]string{},
	}

	if lens, f, ok := firstWithStatus(findings, types.LensBlocked); ok {
		result.State = types.State{
			Verdict:   types.VerdictBlocked,
			Violation: violationFor(lens, f, c),
		}
		return result
	}

	if lens, f, ok := firstWithStatus(findings, types.LensEscalate); ok {
		reason := f.State.Reason
		result.State = types.State{
			Verdict:       types.VerdictEscalate,
			Uncertainty:   reason,
			DecisionPoint: DecisionPoint(lens, reason),
			Options:       Options(lens),
		}
		return result
	}

	result.State = types.State{
		Verdict: types.VerdictProceed,
		Summary: proceedSummary(findings.TotalRulesEvaluated()),
	}
	return result
}

// MinConfidence returns the minimum lens confidence clamped to [0, 1].
func MinConfidence(findings types.LensFindings) float64 {
	lowest := math.Inf(1)
	for _, f := range findings.InOrder() {
		c := f.Confidence
		if math.IsNaN(c) {
			c = 0
		}
		lowest = math.Min(lowest, c)
	}
	return types.Clamp01(lowest)
}

func firstWithStatus(findings types.LensFindings, status types.LensStatus) (types.LensType, types.LensFinding, bool) {
	for _, l := range types.CanonicalOrder {
		if f := findings.Get(l); f.State.Status == status {
			return l, f, true
		}
	}
	return 0, types.LensFinding{}, false
}

func violationFor(lens types.LensType, f types.LensFinding, c *contract.Contract) *types.BoundaryViolation {
	v := &types.BoundaryViolation{
		Lens:     lens,
		RuleID:   UnknownRuleID,
		RuleText: f.State.Violation,
		Evidence: []types.Evidence{},
	}
	if c != nil {
		v.AccountableHuman = c.Accountability.AnswerableHuman
	}
	if re, ok := f.FirstViolated(); ok {
		v.RuleID = re.RuleID
		if re.RuleText != "" {
			v.RuleText = re.RuleText
		}
		v.Evidence = append(v.Evidence, re.Evidence...)
	}
	return v
}

func proceedSummary(rules int) string {
	var b strings.Builder
	b.WriteString("All contract conditions satisfied. ")
	if rules > 0 {
		fmt.Fprintf(&b, "%d rules evaluated. ", rules)
	}
	b.WriteString("Output may proceed.")
	return b.String()
}

// DecisionPoint phrases the question a human must answer for an escalation
// raised by lens.
func DecisionPoint(lens types.LensType, reason string) string {
	switch lens {
	case types.LensBoundaries:
		return "Should automation continue or should a human take over? Trigger: " + reason
	case types.LensDignity:
		return "Does this output preserve human dignity? Concern: " + reason
	case types.LensRestraint:
		return "Is this data exposure appropriate? Concern: " + reason
	case types.LensTransparency:
		return "Can the recipient understand and challenge this? Issue: " + reason
	default:
		return "Is accountability clear for this automation? Issue: " + reason
	}
}

// Options returns the fixed, unranked choices offered for an escalation
// raised by lens.
func Options(lens types.LensType) []string {
	switch lens {
	case types.LensBoundaries:
		return []string{
			"Continue with automated response - condition is minor",
			"Transfer to human agent - honor the trigger condition",
			"Acknowledge the trigger, then offer human transfer option",
		}
	case types.LensDignity:
		return []string{
			"Proceed - output preserves dignity adequately",
			"Revise output to address dignity concern",
			"Escalate to human for judgment",
		}
	case types.LensRestraint:
		return []string{
			"Proceed - exposure is acceptable for this context",
			"Redact sensitive information before proceeding",
			"Block and notify privacy team",
		}
	case types.LensTransparency:
		return []string{
			"Proceed - transparency is sufficient",
			"Add clarifying information before proceeding",
			"Escalate for human review",
		}
	default:
		return []string{
			"Proceed - accountability is clear enough",
			"Add accountability information to output",
			"Update contract with missing accountability",
		}
	}
}
