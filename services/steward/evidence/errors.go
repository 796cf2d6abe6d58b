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
)

// ErrInvalidEvidence is matched by every validation error in this package.
var ErrInvalidEvidence = errors.New("invalid evidence")

// InvalidPointerFormatError reports a pointer that does not follow the
// source[start:end] grammar.
type InvalidPointerFormatError struct {
	Pointer string
}

func (e *InvalidPointerFormatError) Error() string {
	return fmt.Sprintf("invalid pointer format: %s", e.Pointer)
}

func (e *InvalidPointerFormatError) Is(target error) bool { return target == ErrInvalidEvidence }

// UnknownSourceError reports a pointer whose source is not output or context.
type UnknownSourceError struct {
	Pointer string
	Source  string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown evidence source %q in %s", e.Source, e.Pointer)
}

func (e *UnknownSourceError) Is(target error) bool { return target == ErrInvalidEvidence }

// ContextIndexOutOfBoundsError reports a context index past the end.
type ContextIndexOutOfBoundsError struct {
	Pointer string
	Index   int
	Len     int
}

func (e *ContextIndexOutOfBoundsError) Error() string {
	return fmt.Sprintf("context index out of bounds: %s (index %d, context length %d)", e.Pointer, e.Index, e.Len)
}

func (e *ContextIndexOutOfBoundsError) Is(target error) bool { return target == ErrInvalidEvidence }

// PointerOutOfBoundsError reports a range that does not fit the source.
type PointerOutOfBoundsError struct {
	Pointer      string
	RequestedEnd int
	ActualLength int
}

func (e *PointerOutOfBoundsError) Error() string {
	return fmt.Sprintf("pointer out of bounds: %s (requested end %d, actual length %d)",
		e.Pointer, e.RequestedEnd, e.ActualLength)
}

func (e *PointerOutOfBoundsError) Is(target error) bool { return target == ErrInvalidEvidence }

// QuoteMismatchError reports a quote that differs from the selected text.
type QuoteMismatchError struct {
	Pointer  string
	Expected string
	Actual   string
}

func (e *QuoteMismatchError) Error() string {
	return fmt.Sprintf("quote mismatch at %s: expected %q, found %q", e.Pointer, e.Expected, e.Actual)
}

func (e *QuoteMismatchError) Is(target error) bool { return target == ErrInvalidEvidence }
