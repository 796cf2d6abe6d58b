// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/steward/services/steward/types"
)

func newTestValidator() *Validator {
	return New(
		types.TextOutput("Contact john@email.com for   help."),
		[]string{"I'm so frustrated!", "Can I talk to a human?"},
	)
}

func TestValidate_Valid(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name string
		ev   types.Evidence
	}{
		{"output.content pointer", types.Evidence{Pointer: "output.content[8:22]", Quote: "john@email.com"}},
		{"output pointer", types.Evidence{Pointer: "output[0:7]", Quote: "Contact"}},
		{"context pointer", types.Evidence{Pointer: "context[0][7:17]", Quote: "frustrated"}},
		{"claim used when quote empty", types.Evidence{Pointer: "context[1][16:21]", Claim: "human"}},
		{"whitespace normalised", types.Evidence{Pointer: "output.content[23:34]", Quote: "for help."}},
		{"empty range", types.Evidence{Pointer: "output.content[5:5]", Quote: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, v.Validate(tt.ev))
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	v := newTestValidator()

	t.Run("invalid format", func(t *testing.T) {
		for _, p := range []string{"", "output", "output.content[1-2]", "output.content[a:b]", "[0:1]", "output.content[1:2] extra"} {
			err := v.Validate(types.Evidence{Pointer: p, Quote: "x"})
			var target *InvalidPointerFormatError
			assert.True(t, errors.As(err, &target), "pointer %q: got %v", p, err)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		err := v.Validate(types.Evidence{Pointer: "metadata.key[0:1]", Quote: "x"})
		var target *UnknownSourceError
		require.True(t, errors.As(err, &target), "got %v", err)
		assert.Equal(t, "metadata.key", target.Source)
	})

	t.Run("context index out of bounds", func(t *testing.T) {
		err := v.Validate(types.Evidence{Pointer: "context[2][0:1]", Quote: "x"})
		var target *ContextIndexOutOfBoundsError
		require.True(t, errors.As(err, &target), "got %v", err)
		assert.Equal(t, 2, target.Index)
		assert.Equal(t, 2, target.Len)
	})

	t.Run("pointer out of bounds reports lengths", func(t *testing.T) {
		err := v.Validate(types.Evidence{Pointer: "output.content[0:500]", Quote: "x"})
		var target *PointerOutOfBoundsError
		require.True(t, errors.As(err, &target), "got %v", err)
		assert.Equal(t, 500, target.RequestedEnd)
		assert.Equal(t, len("Contact john@email.com for   help."), target.ActualLength)
	})

	t.Run("oversized offsets are out of bounds", func(t *testing.T) {
		for _, p := range []string{
			"output.content[0:99999999999999999999]",
			"output.content[99999999999999999999:99999999999999999999]",
		} {
			err := v.Validate(types.Evidence{Pointer: p, Quote: "x"})
			var target *PointerOutOfBoundsError
			require.True(t, errors.As(err, &target), "pointer %q: got %v", p, err)
			assert.Equal(t, math.MaxInt, target.RequestedEnd)
		}

		err := v.Validate(types.Evidence{Pointer: "context[99999999999999999999][0:1]", Quote: "x"})
		var target *ContextIndexOutOfBoundsError
		assert.True(t, errors.As(err, &target), "got %v", err)
	})

	t.Run("start after end", func(t *testing.T) {
		err := v.Validate(types.Evidence{Pointer: "output.content[9:3]", Quote: "x"})
		var target *PointerOutOfBoundsError
		assert.True(t, errors.As(err, &target), "got %v", err)
	})

	t.Run("quote mismatch reports both sides", func(t *testing.T) {
		err := v.Validate(types.Evidence{Pointer: "output.content[8:22]", Quote: "jane@email.com"})
		var target *QuoteMismatchError
		require.True(t, errors.As(err, &target), "got %v", err)
		assert.Equal(t, "jane@email.com", target.Expected)
		assert.Equal(t, "john@email.com", target.Actual)
	})

	t.Run("all errors match the sentinel", func(t *testing.T) {
		err := v.Validate(types.Evidence{Pointer: "bogus"})
		assert.ErrorIs(t, err, ErrInvalidEvidence)
	})
}

func TestValidateAll_StopsAtFirstFailure(t *testing.T) {
	v := newTestValidator()
	err := v.ValidateAll([]types.Evidence{
		{Pointer: "output.content[0:7]", Quote: "Contact"},
		{Pointer: "output.content[0:7]", Quote: "Wrong"},
		{Pointer: "nonsense"},
	})
	var target *QuoteMismatchError
	assert.True(t, errors.As(err, &target), "got %v", err)
	assert.NoError(t, v.ValidateAll(nil))
}

func TestDeterministicEvidenceConstructorsValidate(t *testing.T) {
	out := types.TextOutput("Contact john@email.com")
	ctx := []string{"I'm so frustrated!"}
	v := New(out, ctx)

	assert.NoError(t, v.Validate(types.FromOutput("Email exposed", out.Content, 8, 22)))
	assert.NoError(t, v.Validate(types.FromContext("Frustration", ctx[0], 0, 7, 17)))
}

func TestNormalizeWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeWhitespace("  a \t b\n\nc  "))
	assert.Equal(t, "", NormalizeWhitespace(" \n\t "))
}

func TestValidatorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("in-bounds exact quotes always validate", prop.ForAll(
		func(content string, x, y int) bool {
			a, b := x%(len(content)+1), y%(len(content)+1)
			if a > b {
				a, b = b, a
			}
			v := New(types.TextOutput(content), nil)
			ev := types.Evidence{
				Pointer: fmt.Sprintf("output.content[%d:%d]", a, b),
				Quote:   content[a:b],
			}
			return v.Validate(ev) == nil
		},
		gen.AlphaString(),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.Property("end past length is always out of bounds", prop.ForAll(
		func(content string, extra int) bool {
			v := New(types.TextOutput(content), nil)
			end := len(content) + extra
			err := v.Validate(types.Evidence{Pointer: fmt.Sprintf("output.content[0:%d]", end), Quote: content})
			var target *PointerOutOfBoundsError
			return errors.As(err, &target) && target.RequestedEnd == end && target.ActualLength == len(content)
		},
		gen.AlphaString(),
		gen.IntRange(1, 1000),
	))

	properties.Property("any other quote is a mismatch", prop.ForAll(
		func(content string, suffix string) bool {
			v := New(types.TextOutput(content), []string{content})
			wrong := content + "x" + suffix
			err := v.Validate(types.Evidence{Pointer: fmt.Sprintf("context[0][0:%d]", len(content)), Quote: wrong})
			var target *QuoteMismatchError
			return errors.As(err, &target)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
