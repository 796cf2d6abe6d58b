// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const supportContractYAML = `
contract_version: "1.0"
schema_version: "2025-12-20"
name: "Customer Support"
intent:
  purpose: "Answer order questions"
  never_optimize_away:
    - id: "N1"
      rule: "Customer privacy and data protection"
    - id: "N2"
      rule: "Human escalation when asked"
boundaries:
  may_do_autonomously:
    - id: "A1"
      rule: "Answer shipping questions"
  must_pause_when:
    - id: "P1"
      rule: "Customer expresses frustration"
  must_escalate_when:
    - id: "E1"
      rule: "Legal or compliance question"
  invalidated_by:
    - id: "B1"
      rule: "Customer PII exposed in response"
    - id: "B2"
      rule: "Internal credentials or secrets shown"
accountability:
  approved_by: "Head of Support"
  answerable_human: "support-lead@example.com"
  escalation_path:
    - "Tier 1"
    - "Support lead"
acceptance:
  fit_criteria:
    - id: "F1"
      rule: "Cites the order policy"
  dignity_check:
    - id: "D1"
      rule: "Does not pressure the customer"
`

func TestParseYAML_Valid(t *testing.T) {
	c, err := ParseYAML([]byte(supportContractYAML))
	require.NoError(t, err)

	assert.Equal(t, "Customer Support", c.Name)
	assert.Equal(t, "Customer Support@1.0", c.Identity())
	assert.Len(t, c.AllRules(), 9)
	assert.Len(t, c.BoundariesRules(), 5)
	assert.True(t, c.HasApproval())
}

func TestParseYAML_MissingFields(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "missing name",
			yaml: `
contract_version: "1.0"
schema_version: "2025-12-20"
intent: {purpose: "x"}
accountability: {answerable_human: "a@example.com"}
`,
			field: "name",
		},
		{
			name: "missing purpose",
			yaml: `
contract_version: "1.0"
schema_version: "2025-12-20"
name: "T"
intent: {}
accountability: {answerable_human: "a@example.com"}
`,
			field: "intent.purpose",
		},
		{
			name: "missing answerable human",
			yaml: `
contract_version: "1.0"
schema_version: "2025-12-20"
name: "T"
intent: {purpose: "x"}
accountability: {}
`,
			field: "accountability.answerable_human",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.yaml))
			require.Error(t, err)
			var mf *MissingFieldError
			require.True(t, errors.As(err, &mf), "got %v", err)
			assert.Equal(t, tt.field, mf.Field)
			assert.ErrorIs(t, err, ErrInvalidContract)
		})
	}
}

func TestParseYAML_DuplicateRuleAcrossSections(t *testing.T) {
	doc := `
contract_version: "1.0"
schema_version: "2025-12-20"
name: "T"
intent: {purpose: "x"}
boundaries:
  invalidated_by:
    - {id: "B1", rule: "PII exposed"}
acceptance:
  fit_criteria:
    - {id: "B1", rule: "Cites sources"}
accountability: {answerable_human: "a@example.com"}
`
	_, err := ParseYAML([]byte(doc))
	var dup *DuplicateRuleError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, "B1", dup.ID)
}

func TestParseYAML_SchemaRejectsBadRuleID(t *testing.T) {
	doc := `
contract_version: "1.0"
schema_version: "2025-12-20"
name: "T"
intent: {purpose: "x"}
boundaries:
  invalidated_by:
    - {id: "b-one", rule: "PII exposed"}
accountability: {answerable_human: "a@example.com"}
`
	_, err := ParseYAML([]byte(doc))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
}

func TestParseYAML_BadContractVersion(t *testing.T) {
	doc := `
contract_version: "not-a-version"
schema_version: "2025-12-20"
name: "T"
intent: {purpose: "x"}
accountability: {answerable_human: "a@example.com"}
`
	_, err := ParseYAML([]byte(doc))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "contract_version", ve.Field)
}

func TestParseJSON(t *testing.T) {
	doc := `{
  "contract_version": "1.2.0",
  "schema_version": "2025-12-20",
  "name": "JSON contract",
  "intent": {"purpose": "test"},
  "accountability": {"answerable_human": "a@example.com"},
  "acceptance": {"fit_criteria": [{"id": "F1", "rule": "Cites sources"}]}
}`
	c, err := ParseJSON([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "JSON contract@1.2.0", c.Identity())
	assert.Len(t, c.TransparencyRules(), 1)
}

func TestFingerprint(t *testing.T) {
	a, err := ParseYAML([]byte(supportContractYAML))
	require.NoError(t, err)
	b, err := ParseYAML([]byte(supportContractYAML))
	require.NoError(t, err)

	assert.Len(t, a.Fingerprint(), 64)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Boundaries.InvalidatedBy[0].Rule = "Customer PII or payment data exposed"
	assert.Equal(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestRulePartitioning(t *testing.T) {
	c, err := ParseYAML([]byte(supportContractYAML))
	require.NoError(t, err)

	ids := func(rules []Rule) []string {
		out := make([]string, 0, len(rules))
		for _, r := range rules {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"B1", "B2", "N1"}, ids(c.RestraintRules()))
	assert.Equal(t, []string{"D1", "N2"}, ids(c.DignityRules()))
	assert.Equal(t, []string{"F1"}, ids(c.TransparencyRules()))

	r, ok := c.RuleByID("P1")
	require.True(t, ok)
	assert.Equal(t, "Customer expresses frustration", r.Rule)
}

func TestCheckStructure_AllowsMissingAccountableHuman(t *testing.T) {
	c := &Contract{
		Name:   "T",
		Intent: Intent{Purpose: "x"},
	}
	assert.NoError(t, c.CheckStructure())
	assert.Error(t, c.Validate())

	c.Boundaries.InvalidatedBy = []Rule{{ID: "B1", Rule: "a"}, {ID: "B1", Rule: "b"}}
	assert.ErrorIs(t, c.CheckStructure(), ErrInvalidContract)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "contract.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(supportContractYAML), 0o600))
	c, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "Customer Support", c.Name)

	txtPath := filepath.Join(dir, "contract.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte(supportContractYAML), 0o600))
	_, err = LoadFile(txtPath)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsValidEditsOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contract.yaml")
	require.NoError(t, os.WriteFile(path, []byte(supportContractYAML), 0o600))

	reloaded := make(chan *Contract, 4)
	w, err := NewWatcher(path,
		WithDebounce(20*time.Millisecond),
		WithReloadHook(func(c *Contract) { reloaded <- c }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	assert.Equal(t, "Customer Support", w.Current().Name)

	// An invalid edit keeps the previous contract.
	require.NoError(t, os.WriteFile(path, []byte("name: [unterminated"), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, "Customer Support", w.Current().Name)

	updated := []byte(`
contract_version: "1.1"
schema_version: "2025-12-20"
name: "Customer Support v2"
intent: {purpose: "Answer order questions"}
accountability: {answerable_human: "support-lead@example.com"}
`)
	require.NoError(t, os.WriteFile(path, updated, 0o600))

	select {
	case c := <-reloaded:
		assert.Equal(t, "Customer Support v2", c.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	assert.Equal(t, "Customer Support v2@1.1", w.Current().Identity())
}
