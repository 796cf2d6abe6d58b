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

	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/types"
)

// Synthetic rules checked against the accountability section itself.
var (
	ruleAnswerableHuman = contract.Rule{ID: "ACC1", Rule: "Contract must have answerable_human"}
	ruleEscalationPath  = contract.Rule{ID: "ACC2", Rule: "Contract should have escalation_path"}
	ruleApprovedBy      = contract.Rule{ID: "ACC3", Rule: "Contract should have approved_by"}
)

const (
	accountabilityBlockedConfidence = 0.99
	accountabilityCleanConfidence   = 0.95
	accountabilityIssueConfidence   = 0.75

	// AnswerableHumanPath is the contract path cited when no human is named.
	AnswerableHumanPath = "accountability.answerable_human"
)

// AccountabilityLens answers "Who approved this, who can stop it, and who
// answers for it?" from the contract's accountability section. It reads no
// output text.
//
// Unlike the other lenses, every issue found contributes to the escalation
// reason, joined with "; ".
type AccountabilityLens struct{}

// NewAccountabilityLens creates the lens.
func NewAccountabilityLens() *AccountabilityLens { return &AccountabilityLens{} }

func (l *AccountabilityLens) Type() types.LensType { return types.LensAccountability }

func (l *AccountabilityLens) Question() string {
	return "Who approved this, who can stop it, and who answers for it?"
}

// Evaluate checks ACC1 (answerable human), ACC2 (escalation path) and ACC3
// (approval).
func (l *AccountabilityLens) Evaluate(req *types.EvaluationRequest) types.LensFinding {
	acc := contractOf(req).Accountability
	b := newFindingBuilder(l)

	if strings.TrimSpace(acc.AnswerableHuman) == "" {
		b.violated(ruleAnswerableHuman, "No accountable human defined",
			types.FromContract("Missing answerable_human", AnswerableHumanPath))
		f := b.blocked(ruleAnswerableHuman, accountabilityBlockedConfidence)
		f.State = types.Blocked("No accountable human defined in contract")
		return f
	}
	b.satisfied(ruleAnswerableHuman, "Accountable human: "+acc.AnswerableHuman)

	var issues []string
	if len(acc.EscalationPath) == 0 {
		b.add(ruleEscalationPath, types.RuleUncertain, "No escalation path defined")
		issues = append(issues, "No escalation path defined")
	} else {
		b.satisfied(ruleEscalationPath, fmt.Sprintf("Escalation path has %d levels", len(acc.EscalationPath)))
	}

	if strings.TrimSpace(acc.ApprovedBy) == "" {
		b.add(ruleApprovedBy, types.RuleUncertain, "No approval on record")
		issues = append(issues, "No approval on record")
	} else {
		b.satisfied(ruleApprovedBy, "Approved by "+acc.ApprovedBy)
	}

	f := types.LensFinding{
		Lens:           l.Type(),
		QuestionAsked:  l.Question(),
		State:          types.Pass(),
		RulesEvaluated: b.rules,
		Confidence:     accountabilityCleanConfidence,
	}
	if len(issues) > 0 {
		f.State = types.Escalate(strings.Join(issues, "; "))
		f.Confidence = accountabilityIssueConfidence
	}
	return f
}
