// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/types"
)

func TestBasePrompt(t *testing.T) {
	base := Base()
	for _, want := range []string{
		"Governance Agent",
		"Governance Constraints",
		"infrastructure, not opinion",
		`"rule_id"`, `"claim"`, `"pointer"`, `"quote"`, `"confidence"`,
		"SATISFIED", "VIOLATED", "UNCERTAIN", "NOT_APPLICABLE",
		"escalation_context",
	} {
		assert.Contains(t, base, want)
	}
}

func TestLensPrompts(t *testing.T) {
	for _, l := range types.CanonicalOrder {
		t.Run(l.String(), func(t *testing.T) {
			p := ForLens(l)
			require.NotEmpty(t, p)
			assert.Contains(t, p, "Governance Question:")
			assert.Contains(t, p, "Governance Reminder")
			assert.Contains(t, p, l.DisplayName())

			sys := System(l)
			assert.True(t, strings.HasPrefix(sys, Base()))
			assert.True(t, strings.HasSuffix(sys, p))
		})
	}
	assert.Empty(t, ForLens(types.LensType(42)))
	assert.Equal(t, Base(), System(types.LensType(42)))
}

func TestUser(t *testing.T) {
	msg, err := User(RequestData{
		Lens:     types.LensDignity,
		Rules:    []contract.Rule{{ID: "D1", Rule: "Never pressure the customer"}},
		Output:   "Please decide now.",
		Context:  []string{"I need more time"},
		Metadata: map[string]string{"b": "2", "a": "1"},
	})
	require.NoError(t, err)

	assert.Contains(t, msg, "Dignity & Inclusion")
	assert.Contains(t, msg, "- D1: Never pressure the customer")
	assert.Contains(t, msg, "context[0]:\n<<<\nI need more time\n>>>")
	assert.Contains(t, msg, "output.content:\n<<<\nPlease decide now.\n>>>")
	assert.Less(t, strings.Index(msg, "- a: 1"), strings.Index(msg, "- b: 2"))
}

func TestUser_NoRules(t *testing.T) {
	msg, err := User(RequestData{Lens: types.LensTransparency, Output: "hi"})
	require.NoError(t, err)
	assert.Contains(t, msg, "(no rules for this lens)")
	assert.NotContains(t, msg, "## Context")
	assert.NotContains(t, msg, "## Metadata")
}
