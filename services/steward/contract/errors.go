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
	"errors"
	"fmt"
)

// ErrInvalidContract is matched by every structural contract error.
var ErrInvalidContract = errors.New("invalid contract")

// ErrUnsupportedFormat is returned by LoadFile for unknown extensions.
var ErrUnsupportedFormat = errors.New("unsupported contract format")

// MissingFieldError reports a required field that is empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// Is makes MissingFieldError match ErrInvalidContract.
func (e *MissingFieldError) Is(target error) bool { return target == ErrInvalidContract }

// DuplicateRuleError reports a rule id used more than once.
type DuplicateRuleError struct {
	ID string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("duplicate rule id: %s", e.ID)
}

// Is makes DuplicateRuleError match ErrInvalidContract.
func (e *DuplicateRuleError) Is(target error) bool { return target == ErrInvalidContract }

// ValidationError reports a schema or field-level validation failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("contract validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("contract validation failed: %s: %s", e.Field, e.Reason)
}

// Is makes ValidationError match ErrInvalidContract.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidContract }
