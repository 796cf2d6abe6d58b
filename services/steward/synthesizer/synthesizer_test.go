// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synthesizer

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/types"
)

var testNow = time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)

func testContract() *contract.Contract {
	return &contract.Contract{
		Name:           "Test",
		Intent:         contract.Intent{Purpose: "Test"},
		Accountability: contract.Accountability{AnswerableHuman: "owner@example.com"},
	}
}

func passing(l types.LensType, confidence float64) types.LensFinding {
	return types.LensFinding{Lens: l, State: types.Pass(), Confidence: confidence}
}

func allPass() types.LensFindings {
	var f types.LensFindings
	for _, l := range types.CanonicalOrder {
		f.Set(l, passing(l, 0.9))
	}
	return f
}

func TestSynthesize_Proceed(t *testing.T) {
	f := allPass()
	f.Boundaries.RulesEvaluated = []types.RuleEvaluation{{RuleID: "B1", Result: types.RuleSatisfied}}
	f.Accountability.RulesEvaluated = []types.RuleEvaluation{{RuleID: "ACC1"}, {RuleID: "ACC2"}}

	r := Synthesize(f, testContract(), testNow)

	assert.Equal(t, types.VerdictProceed, r.State.Verdict)
	assert.Equal(t, "All contract conditions satisfied. 3 rules evaluated. Output may proceed.", r.State.Summary)
	assert.Equal(t, 0.9, r.Confidence)
	assert.Equal(t, testNow, r.EvaluatedAt)
	assert.NotNil(t, r.Metadata)
}

func TestSynthesize_ProceedWithoutRules(t *testing.T) {
	r := Synthesize(allPass(), testContract(), testNow)
	assert.Equal(t, "All contract conditions satisfied. Output may proceed.", r.State.Summary)
}

func TestSynthesize_BlockedUsesFirstViolatedRule(t *testing.T) {
	f := allPass()
	ev := types.FromOutput("Email exposed", "Contact john@email.com", 8, 22)
	f.Boundaries = types.LensFinding{
		Lens:  types.LensBoundaries,
		State: types.Blocked("B1: Customer PII exposed"),
		RulesEvaluated: []types.RuleEvaluation{
			{RuleID: "B0", Result: types.RuleSatisfied},
			{RuleID: "B1", RuleText: "Customer PII exposed", Result: types.RuleViolated, Evidence: []types.Evidence{ev}},
		},
		Confidence: 0.98,
	}
	f.Transparency.Confidence = 0.4

	r := Synthesize(f, testContract(), testNow)

	require.Equal(t, types.VerdictBlocked, r.State.Verdict)
	v := r.State.Violation
	require.NotNil(t, v)
	assert.Equal(t, types.LensBoundaries, v.Lens)
	assert.Equal(t, "B1", v.RuleID)
	assert.Equal(t, "Customer PII exposed", v.RuleText)
	assert.Equal(t, []types.Evidence{ev}, v.Evidence)
	assert.Equal(t, "owner@example.com", v.AccountableHuman)
	// even a blocked verdict reports the true minimum
	assert.Equal(t, 0.4, r.Confidence)
}

func TestSynthesize_BlockedWithoutViolatedRule(t *testing.T) {
	f := allPass()
	f.Restraint.State = types.Blocked("assistant flagged an exposure")

	r := Synthesize(f, nil, testNow)

	require.NotNil(t, r.State.Violation)
	assert.Equal(t, UnknownRuleID, r.State.Violation.RuleID)
	assert.Equal(t, "assistant flagged an exposure", r.State.Violation.RuleText)
	assert.Empty(t, r.State.Violation.AccountableHuman)
}

func TestSynthesize_CanonicalTieBreak(t *testing.T) {
	f := allPass()
	f.Accountability.State = types.Blocked("No accountable human defined in contract")
	f.Dignity.State = types.Blocked("D1: Never pressure")
	f.Dignity.RulesEvaluated = []types.RuleEvaluation{{RuleID: "D1", Result: types.RuleViolated}}

	r := Synthesize(f, testContract(), testNow)
	assert.Equal(t, types.LensDignity, r.State.Violation.Lens)

	f = allPass()
	f.Accountability.State = types.Escalate("No approval on record")
	f.Boundaries.State = types.Escalate("Customer frustration detected (rule P1)")

	r = Synthesize(f, testContract(), testNow)
	assert.Equal(t, types.VerdictEscalate, r.State.Verdict)
	assert.Equal(t, "Customer frustration detected (rule P1)", r.State.Uncertainty)
	assert.Equal(t, "Should automation continue or should a human take over? Trigger: Customer frustration detected (rule P1)", r.State.DecisionPoint)
	assert.Equal(t, Options(types.LensBoundaries), r.State.Options)
}

func TestOptionsPerLens(t *testing.T) {
	seen := map[string]bool{}
	for _, l := range types.CanonicalOrder {
		opts := Options(l)
		assert.Len(t, opts, 3)
		assert.Contains(t, DecisionPoint(l, "why"), "why")
		seen[opts[0]] = true
	}
	assert.Len(t, seen, 5)
}

func TestMinConfidenceClamps(t *testing.T) {
	f := allPass()
	f.Dignity.Confidence = -0.5
	assert.Equal(t, 0.0, MinConfidence(f))

	f = allPass()
	for _, l := range types.CanonicalOrder {
		g := f.Get(l)
		g.Confidence = 1.7
		f.Set(l, g)
	}
	assert.Equal(t, 1.0, MinConfidence(f))

	f = allPass()
	f.Transparency.Confidence = math.NaN()
	assert.Equal(t, 0.0, MinConfidence(f))
}

func TestSynthesizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	// 0 = pass, 1 = escalate, 2 = blocked
	statusGen := gen.IntRange(0, 2)
	confGen := gen.Float64Range(0, 1)
	statusOf := []types.LensStatus{types.LensPass, types.LensEscalate, types.LensBlocked}

	build := func(statuses []int, confs []float64) types.LensFindings {
		var f types.LensFindings
		for i, l := range types.CanonicalOrder {
			st := types.LensState{Status: statusOf[statuses[i]]}
			switch st.Status {
			case types.LensEscalate:
				st.Reason = "reason " + l.String()
			case types.LensBlocked:
				st.Violation = "violation " + l.String()
			}
			f.Set(l, types.LensFinding{Lens: l, State: st, Confidence: confs[i]})
		}
		return f
	}

	properties.Property("blocked dominates, then escalate, then proceed", prop.ForAll(
		func(statuses []int, confs []float64) bool {
			r := Synthesize(build(statuses, confs), testContract(), testNow)
			anyBlocked, anyEscalate := false, false
			for _, s := range statuses {
				anyBlocked = anyBlocked || s == 2
				anyEscalate = anyEscalate || s == 1
			}
			switch {
			case anyBlocked:
				return r.State.Verdict == types.VerdictBlocked
			case anyEscalate:
				return r.State.Verdict == types.VerdictEscalate
			default:
				return r.State.Verdict == types.VerdictProceed
			}
		},
		gen.SliceOfN(5, statusGen),
		gen.SliceOfN(5, confGen),
	))

	properties.Property("confidence is the minimum in every branch", prop.ForAll(
		func(statuses []int, confs []float64) bool {
			r := Synthesize(build(statuses, confs), testContract(), testNow)
			want := confs[0]
			for _, c := range confs[1:] {
				want = math.Min(want, c)
			}
			return r.Confidence == want
		},
		gen.SliceOfN(5, statusGen),
		gen.SliceOfN(5, confGen),
	))

	properties.Property("synthesis is referentially transparent", prop.ForAll(
		func(statuses []int, confs []float64) bool {
			f := build(statuses, confs)
			a := Synthesize(f, testContract(), testNow)
			b := Synthesize(f, testContract(), testNow)
			return a.State.Verdict == b.State.Verdict &&
				a.State.Uncertainty == b.State.Uncertainty &&
				a.State.Summary == b.State.Summary &&
				a.Confidence == b.Confidence
		},
		gen.SliceOfN(5, statusGen),
		gen.SliceOfN(5, confGen),
	))

	properties.TestingRun(t)
}
