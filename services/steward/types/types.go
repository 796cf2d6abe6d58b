// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package types holds the evaluation data model shared by the lenses, the
// synthesizer, the evidence validator and the orchestrator.
//
// Values in this package are produced fresh per evaluation and are treated as
// immutable once returned. The only sanctioned mutation after return is the
// orchestrator scaling a LensFinding's confidence down when it substitutes a
// fallback result.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/steward/services/steward/contract"
)

// =============================================================================
// Lens identity
// =============================================================================

// LensType identifies one of the five governance lenses.
type LensType int

const (
	// LensDignity is the Dignity & Inclusion lens.
	LensDignity LensType = iota

	// LensBoundaries is the Boundaries & Safety lens.
	LensBoundaries

	// LensRestraint is the Restraint & Privacy lens.
	LensRestraint

	// LensTransparency is the Transparency & Contestability lens.
	LensTransparency

	// LensAccountability is the Accountability & Ownership lens.
	LensAccountability
)

// CanonicalOrder is the fixed lens scan order used for tie-breaks.
//
// The synthesizer walks lenses in exactly this order when more than one lens
// reports the same severity, so results are reproducible.
var CanonicalOrder = [5]LensType{
	LensDignity,
	LensBoundaries,
	LensRestraint,
	LensTransparency,
	LensAccountability,
}

// String returns the stable snake_case name of the lens.
func (l LensType) String() string {
	switch l {
	case LensDignity:
		return "dignity_inclusion"
	case LensBoundaries:
		return "boundaries_safety"
	case LensRestraint:
		return "restraint_privacy"
	case LensTransparency:
		return "transparency_contestability"
	case LensAccountability:
		return "accountability_ownership"
	default:
		return "unknown"
	}
}

// DisplayName returns the human-facing lens name.
func (l LensType) DisplayName() string {
	switch l {
	case LensDignity:
		return "Dignity & Inclusion"
	case LensBoundaries:
		return "Boundaries & Safety"
	case LensRestraint:
		return "Restraint & Privacy"
	case LensTransparency:
		return "Transparency & Contestability"
	case LensAccountability:
		return "Accountability & Ownership"
	default:
		return "Unknown"
	}
}

// Valid reports whether l is one of the five known lenses.
func (l LensType) Valid() bool {
	return l >= LensDignity && l <= LensAccountability
}

// ParseLensType converts a snake_case lens name back to a LensType.
func ParseLensType(s string) (LensType, error) {
	for _, l := range CanonicalOrder {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown lens type %q", s)
}

// MarshalJSON encodes the lens as its snake_case name.
func (l LensType) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a snake_case lens name.
func (l *LensType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLensType(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// =============================================================================
// Request
// =============================================================================

// ContentType is the declared type of an Output.
type ContentType string

// ContentTypeText is the only content type currently evaluated.
const ContentTypeText ContentType = "text"

// Output is the content under evaluation.
type Output struct {
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
}

// TextOutput wraps plain text as an Output.
func TextOutput(content string) Output {
	return Output{Content: content, ContentType: ContentTypeText}
}

// EvaluationRequest is everything a lens may look at.
//
// Context is the ordered list of prior-turn strings and may be nil.
type EvaluationRequest struct {
	Contract *contract.Contract `json:"contract"`
	Output   Output             `json:"output"`
	Context  []string           `json:"context,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

// =============================================================================
// Rule evaluations
// =============================================================================

// RuleResult is the outcome of evaluating a single rule.
type RuleResult string

const (
	RuleSatisfied     RuleResult = "satisfied"
	RuleViolated      RuleResult = "violated"
	RuleUncertain     RuleResult = "uncertain"
	RuleNotApplicable RuleResult = "not_applicable"
)

// RuleEvaluation records one rule's outcome and the evidence behind it.
type RuleEvaluation struct {
	RuleID    string     `json:"rule_id"`
	RuleText  string     `json:"rule_text,omitempty"`
	Result    RuleResult `json:"result"`
	Evidence  []Evidence `json:"evidence"`
	Rationale string     `json:"rationale"`
}

// =============================================================================
// Lens findings
// =============================================================================

// LensStatus is the coarse outcome of a lens.
type LensStatus string

const (
	LensPass     LensStatus = "pass"
	LensEscalate LensStatus = "escalate"
	LensBlocked  LensStatus = "blocked"
)

// Severity orders statuses: Pass < Escalate < Blocked. Unknown statuses
// rank below Pass.
func (s LensStatus) Severity() int {
	switch s {
	case LensPass:
		return 1
	case LensEscalate:
		return 2
	case LensBlocked:
		return 3
	default:
		return 0
	}
}

// LensState is a lens outcome plus its message.
//
// Reason is set for Escalate, Violation for Blocked; both are empty for Pass.
type LensState struct {
	Status    LensStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Violation string     `json:"violation,omitempty"`
}

// Pass returns the Pass state.
func Pass() LensState { return LensState{Status: LensPass} }

// Escalate returns an Escalate state carrying reason.
func Escalate(reason string) LensState { return LensState{Status: LensEscalate, Reason: reason} }

// Blocked returns a Blocked state carrying the violation message.
func Blocked(violation string) LensState { return LensState{Status: LensBlocked, Violation: violation} }

// LensFinding is one lens's answer for one evaluation.
type LensFinding struct {
	Lens           LensType         `json:"lens"`
	QuestionAsked  string           `json:"question_asked"`
	State          LensState        `json:"state"`
	RulesEvaluated []RuleEvaluation `json:"rules_evaluated"`
	Confidence     float64          `json:"confidence"`
}

// Clone returns a deep copy of the finding.
func (f LensFinding) Clone() LensFinding {
	out := f
	if f.RulesEvaluated != nil {
		out.RulesEvaluated = make([]RuleEvaluation, len(f.RulesEvaluated))
		for i, re := range f.RulesEvaluated {
			re.Evidence = append([]Evidence(nil), re.Evidence...)
			out.RulesEvaluated[i] = re
		}
	}
	return out
}

// FirstViolated returns the first rule evaluation with a Violated result.
func (f LensFinding) FirstViolated() (RuleEvaluation, bool) {
	for _, re := range f.RulesEvaluated {
		if re.Result == RuleViolated {
			return re, true
		}
	}
	return RuleEvaluation{}, false
}

// LensFindings holds exactly one finding per lens.
type LensFindings struct {
	Dignity        LensFinding `json:"dignity_inclusion"`
	Boundaries     LensFinding `json:"boundaries_safety"`
	Restraint      LensFinding `json:"restraint_privacy"`
	Transparency   LensFinding `json:"transparency_contestability"`
	Accountability LensFinding `json:"accountability_ownership"`
}

// Get returns the finding for lens l.
func (lf *LensFindings) Get(l LensType) LensFinding {
	switch l {
	case LensDignity:
		return lf.Dignity
	case LensBoundaries:
		return lf.Boundaries
	case LensRestraint:
		return lf.Restraint
	case LensTransparency:
		return lf.Transparency
	default:
		return lf.Accountability
	}
}

// Set stores f as the finding for lens l.
func (lf *LensFindings) Set(l LensType, f LensFinding) {
	switch l {
	case LensDignity:
		lf.Dignity = f
	case LensBoundaries:
		lf.Boundaries = f
	case LensRestraint:
		lf.Restraint = f
	case LensTransparency:
		lf.Transparency = f
	case LensAccountability:
		lf.Accountability = f
	}
}

// InOrder returns the five findings in canonical order.
func (lf *LensFindings) InOrder() []LensFinding {
	out := make([]LensFinding, 0, len(CanonicalOrder))
	for _, l := range CanonicalOrder {
		out = append(out, lf.Get(l))
	}
	return out
}

// TotalRulesEvaluated counts rule evaluations across all lenses.
func (lf *LensFindings) TotalRulesEvaluated() int {
	n := 0
	for _, f := range lf.InOrder() {
		n += len(f.RulesEvaluated)
	}
	return n
}

// =============================================================================
// Evaluation result
// =============================================================================

// Verdict is the terminal outcome of an evaluation.
type Verdict string

const (
	VerdictProceed  Verdict = "proceed"
	VerdictEscalate Verdict = "escalate"
	VerdictBlocked  Verdict = "blocked"
)

// BoundaryViolation describes why an evaluation was blocked.
type BoundaryViolation struct {
	Lens             LensType   `json:"lens"`
	RuleID           string     `json:"rule_id"`
	RuleText         string     `json:"rule_text"`
	Evidence         []Evidence `json:"evidence"`
	AccountableHuman string     `json:"accountable_human"`
}

// State is the synthesized verdict and its explanation.
//
// Summary is set for Proceed; Uncertainty, DecisionPoint and Options for
// Escalate; Violation for Blocked.
type State struct {
	Verdict       Verdict            `json:"verdict"`
	Summary       string             `json:"summary,omitempty"`
	Uncertainty   string             `json:"uncertainty,omitempty"`
	DecisionPoint string             `json:"decision_point,omitempty"`
	Options       []string           `json:"options,omitempty"`
	Violation     *BoundaryViolation `json:"violation,omitempty"`
}

// EvaluationResult is the single value returned for one evaluation.
type EvaluationResult struct {
	EvaluationID string            `json:"evaluation_id,omitempty"`
	State        State             `json:"state"`
	LensFindings LensFindings      `json:"lens_findings"`
	Confidence   float64           `json:"confidence"`
	EvaluatedAt  time.Time         `json:"evaluated_at"`
	Metadata     map[string]string `json:"metadata"`
}

// Clamp01 clamps v to [0, 1].
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
