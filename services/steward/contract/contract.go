// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contract defines the stewardship contract and its parsing.
//
// A contract is a human-authored policy: what an automation is for, what it
// may do on its own, when it must pause or escalate, what invalidates it, and
// which human answers for it. Contracts are immutable once parsed; lenses
// only read them through the accessors in this file.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Rule is a single contract rule. IDs are one uppercase letter followed by
// digits (e.g. "B1") and are unique across the whole contract.
type Rule struct {
	ID   string `yaml:"id" json:"id" validate:"required"`
	Rule string `yaml:"rule" json:"rule" validate:"required"`
}

// Intent states what the automation is for.
type Intent struct {
	Purpose           string   `yaml:"purpose" json:"purpose"`
	OptimizingFor     []string `yaml:"optimizing_for,omitempty" json:"optimizing_for,omitempty"`
	NeverOptimizeAway []Rule   `yaml:"never_optimize_away,omitempty" json:"never_optimize_away,omitempty" validate:"dive"`
}

// Boundaries lists what the automation may do and where it must stop.
type Boundaries struct {
	MayDoAutonomously []Rule `yaml:"may_do_autonomously,omitempty" json:"may_do_autonomously,omitempty" validate:"dive"`
	MustPauseWhen     []Rule `yaml:"must_pause_when,omitempty" json:"must_pause_when,omitempty" validate:"dive"`
	MustEscalateWhen  []Rule `yaml:"must_escalate_when,omitempty" json:"must_escalate_when,omitempty" validate:"dive"`
	InvalidatedBy     []Rule `yaml:"invalidated_by,omitempty" json:"invalidated_by,omitempty" validate:"dive"`
}

// Accountability names who approved, who answers, and where to escalate.
type Accountability struct {
	ApprovedBy      string   `yaml:"approved_by,omitempty" json:"approved_by,omitempty"`
	AnswerableHuman string   `yaml:"answerable_human" json:"answerable_human"`
	EscalationPath  []string `yaml:"escalation_path,omitempty" json:"escalation_path,omitempty"`
	ReviewCadence   string   `yaml:"review_cadence,omitempty" json:"review_cadence,omitempty"`
}

// Acceptance lists fit-for-purpose and dignity criteria.
type Acceptance struct {
	FitCriteria  []Rule `yaml:"fit_criteria,omitempty" json:"fit_criteria,omitempty" validate:"dive"`
	DignityCheck []Rule `yaml:"dignity_check,omitempty" json:"dignity_check,omitempty" validate:"dive"`
}

// Contract is a parsed stewardship contract.
type Contract struct {
	ContractVersion string         `yaml:"contract_version" json:"contract_version"`
	SchemaVersion   string         `yaml:"schema_version" json:"schema_version"`
	PolicyPack      []string       `yaml:"policy_pack,omitempty" json:"policy_pack,omitempty"`
	Name            string         `yaml:"name" json:"name"`
	Description     string         `yaml:"description,omitempty" json:"description,omitempty"`
	Intent          Intent         `yaml:"intent" json:"intent"`
	Boundaries      Boundaries     `yaml:"boundaries,omitempty" json:"boundaries,omitempty"`
	Accountability  Accountability `yaml:"accountability" json:"accountability"`
	Acceptance      Acceptance     `yaml:"acceptance,omitempty" json:"acceptance,omitempty"`
}

// Identity returns the display identity of the contract, "name@version".
func (c *Contract) Identity() string {
	return c.Name + "@" + c.ContractVersion
}

// Fingerprint returns the hex SHA-256 of the contract's JSON encoding. It
// changes with any edit, whether or not contract_version was bumped.
func (c *Contract) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		data = []byte(c.Identity())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Rule partitioning
// =============================================================================
//
// The accessors below decide which lens reads which rule. Matching is a plain
// substring test on lower-cased rule text and is intentionally coarse; rules
// that mention none of the keywords only reach the lenses that read their
// section directly.

// AllRules returns every rule in section order.
func (c *Contract) AllRules() []Rule {
	var out []Rule
	out = append(out, c.Intent.NeverOptimizeAway...)
	out = append(out, c.Boundaries.MayDoAutonomously...)
	out = append(out, c.Boundaries.MustPauseWhen...)
	out = append(out, c.Boundaries.MustEscalateWhen...)
	out = append(out, c.Boundaries.InvalidatedBy...)
	out = append(out, c.Acceptance.FitCriteria...)
	out = append(out, c.Acceptance.DignityCheck...)
	return out
}

// BoundariesRules returns all four boundary rule lists.
func (c *Contract) BoundariesRules() []Rule {
	var out []Rule
	out = append(out, c.Boundaries.MayDoAutonomously...)
	out = append(out, c.Boundaries.MustPauseWhen...)
	out = append(out, c.Boundaries.MustEscalateWhen...)
	out = append(out, c.Boundaries.InvalidatedBy...)
	return out
}

// RestraintRules returns the privacy-related rules.
func (c *Contract) RestraintRules() []Rule {
	var out []Rule
	for _, r := range c.Boundaries.InvalidatedBy {
		if mentionsAny(r.Rule, "pii", "privacy", "credential", "secret", "expose") {
			out = append(out, r)
		}
	}
	for _, r := range c.Intent.NeverOptimizeAway {
		if mentionsAny(r.Rule, "privacy", "data") {
			out = append(out, r)
		}
	}
	return out
}

// DignityRules returns dignity checks plus dignity-flavoured never-trade-offs.
func (c *Contract) DignityRules() []Rule {
	out := append([]Rule(nil), c.Acceptance.DignityCheck...)
	for _, r := range c.Intent.NeverOptimizeAway {
		if mentionsAny(r.Rule, "dignity", "respect", "human", "escalation") {
			out = append(out, r)
		}
	}
	return out
}

// TransparencyRules returns the fit criteria.
func (c *Contract) TransparencyRules() []Rule {
	return append([]Rule(nil), c.Acceptance.FitCriteria...)
}

// RuleByID finds a rule anywhere in the contract.
func (c *Contract) RuleByID(id string) (Rule, bool) {
	for _, r := range c.AllRules() {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// HasApproval reports whether approved_by is set.
func (c *Contract) HasApproval() bool {
	return strings.TrimSpace(c.Accountability.ApprovedBy) != ""
}

func mentionsAny(text string, keywords ...string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
