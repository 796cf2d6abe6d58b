// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evidence checks the referential integrity of assistant-produced
// evidence.
//
// An assisted lens agent may only cite text that actually exists: every
// pointer must parse, resolve to the output or a context entry, stay in
// bounds, and select exactly the quoted text. Any failure means the whole
// assisted finding is discarded in favour of the deterministic lens; there is
// no partial acceptance.
package evidence

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/steward/services/steward/types"
)

// pointerPattern accepts source[start:end] where source is a dotted
// identifier optionally followed by one [index].
var pointerPattern = regexp.MustCompile(`^([A-Za-z_]\w*(?:\.\w+)*(?:\[\d+\])?)\[(\d+):(\d+)\]$`)

var contextSourcePattern = regexp.MustCompile(`^context\[(\d+)\]$`)

// Pointer is a parsed text locator.
type Pointer struct {
	Raw string

	// Source is "output" for output pointers or "context" for context ones.
	Source types.EvidenceSource

	// Index is the context entry; zero for output pointers.
	Index int

	Start int
	End   int
}

// Validator validates evidence against one Output and Context pair.
//
// Thread Safety: Immutable; safe for concurrent use.
type Validator struct {
	output  string
	context []string
}

// New returns a validator scoped to one evaluation.
func New(output types.Output, context []string) *Validator {
	return &Validator{output: output.Content, context: context}
}

// ParsePointer parses a pointer string against the grammar only.
//
// Outputs:
//
//	Pointer - Parsed locator; bounds are not checked here.
//	error - *InvalidPointerFormatError or *UnknownSourceError.
func ParsePointer(raw string) (Pointer, error) {
	m := pointerPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Pointer{}, &InvalidPointerFormatError{Pointer: raw}
	}
	start, errStart := parseOffset(m[2])
	end, errEnd := parseOffset(m[3])
	if errStart != nil || errEnd != nil {
		return Pointer{}, &InvalidPointerFormatError{Pointer: raw}
	}

	p := Pointer{Raw: raw, Start: start, End: end}
	switch source := m[1]; {
	case source == "output" || source == "output.content":
		p.Source = types.SourceOutput
	case contextSourcePattern.MatchString(source):
		idx, err := parseOffset(contextSourcePattern.FindStringSubmatch(source)[1])
		if err != nil {
			return Pointer{}, &InvalidPointerFormatError{Pointer: raw}
		}
		p.Source = types.SourceContext
		p.Index = idx
	default:
		return Pointer{}, &UnknownSourceError{Pointer: raw, Source: source}
	}
	return p, nil
}

// parseOffset parses a decimal offset, saturating at math.MaxInt so that an
// oversized offset is reported by the bounds checks.
func parseOffset(digits string) (int, error) {
	n, err := strconv.Atoi(digits)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt, nil
	}
	return n, err
}

// Slice resolves a pointer and returns the text it selects.
//
// Outputs:
//
//	string - The selected text.
//	error - Any pointer error; PointerOutOfBounds when start > end or
//	        end exceeds the resolved string's length.
func (v *Validator) Slice(raw string) (string, error) {
	p, err := ParsePointer(raw)
	if err != nil {
		return "", err
	}

	var target string
	switch p.Source {
	case types.SourceOutput:
		target = v.output
	default:
		if p.Index >= len(v.context) {
			return "", &ContextIndexOutOfBoundsError{Pointer: raw, Index: p.Index, Len: len(v.context)}
		}
		target = v.context[p.Index]
	}

	if p.Start > p.End || p.End > len(target) {
		return "", &PointerOutOfBoundsError{Pointer: raw, RequestedEnd: p.End, ActualLength: len(target)}
	}
	return target[p.Start:p.End], nil
}

// Validate checks one evidence item.
//
// Description:
//
//	The pointer must resolve in bounds and the selected text must equal the
//	evidence quote after whitespace normalisation. The quote is Evidence.Quote,
//	or Evidence.Claim when no quote was given.
//
// Outputs:
//
//	error - nil, or one of the typed errors in this package (all match
//	        ErrInvalidEvidence).
func (v *Validator) Validate(e types.Evidence) error {
	actual, err := v.Slice(e.Pointer)
	if err != nil {
		return err
	}
	quote := e.Quote
	if quote == "" {
		quote = e.Claim
	}
	if NormalizeWhitespace(actual) != NormalizeWhitespace(quote) {
		return &QuoteMismatchError{Pointer: e.Pointer, Expected: quote, Actual: actual}
	}
	return nil
}

// ValidateAll validates every item and stops at the first failure.
func (v *Validator) ValidateAll(items []types.Evidence) error {
	for _, e := range items {
		if err := v.Validate(e); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeWhitespace collapses whitespace runs to one space and trims ends.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
