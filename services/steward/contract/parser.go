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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	structValidate     *validator.Validate
	structValidateOnce sync.Once
)

func getValidator() *validator.Validate {
	structValidateOnce.Do(func() {
		structValidate = validator.New()
	})
	return structValidate
}

// ParseYAML parses and validates a YAML contract.
//
// Description:
//
//	Decodes the document generically, checks it against the embedded JSON
//	Schema, decodes it into a Contract and runs Validate. Any failure is a
//	structural error and no partial Contract is returned.
//
// Inputs:
//
//	data - Raw YAML bytes.
//
// Outputs:
//
//	*Contract - The parsed contract.
//	error - Wraps ErrInvalidContract for structural problems, or a decode error.
func ParseYAML(data []byte) (*Contract, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse contract yaml: %w", err)
	}
	if err := checkSchema(raw); err != nil {
		return nil, err
	}

	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contract yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseJSON parses and validates a JSON contract.
func ParseJSON(data []byte) (*Contract, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse contract json: %w", err)
	}
	if err := checkSchema(raw); err != nil {
		return nil, err
	}

	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contract json: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads a contract from disk, choosing the format by extension.
func LoadFile(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".json":
		return ParseJSON(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Validate runs every structural check on the contract.
//
// Description:
//
//	Checks required fields (name, intent.purpose,
//	accountability.answerable_human), field-level constraints, rule id
//	uniqueness across all sections and, when set, that contract_version is a
//	semantic version.
//
// Outputs:
//
//	error - *MissingFieldError, *DuplicateRuleError or *ValidationError.
//
// Thread Safety: Safe for concurrent use; does not modify the contract.
func (c *Contract) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &MissingFieldError{Field: "name"}
	}
	if strings.TrimSpace(c.Intent.Purpose) == "" {
		return &MissingFieldError{Field: "intent.purpose"}
	}
	if strings.TrimSpace(c.Accountability.AnswerableHuman) == "" {
		return &MissingFieldError{Field: "accountability.answerable_human"}
	}

	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Namespace(), Reason: "failed on " + verrs[0].Tag()}
		}
		return &ValidationError{Reason: err.Error()}
	}

	if err := c.checkRuleIDs(); err != nil {
		return err
	}

	if c.ContractVersion != "" {
		if _, err := semver.NewVersion(c.ContractVersion); err != nil {
			return &ValidationError{Field: "contract_version", Reason: err.Error()}
		}
	}
	return nil
}

// CheckStructure runs the checks required before evaluation.
//
// Description:
//
//	A subset of Validate: the contract must be named and its rule ids must be
//	non-empty and unique. A missing accountable human is not rejected here;
//	the accountability lens reports it as a Blocked verdict instead.
func (c *Contract) CheckStructure() error {
	if strings.TrimSpace(c.Name) == "" {
		return &MissingFieldError{Field: "name"}
	}
	return c.checkRuleIDs()
}

func (c *Contract) checkRuleIDs() error {
	seen := make(map[string]struct{})
	for _, r := range c.AllRules() {
		if strings.TrimSpace(r.ID) == "" {
			return &ValidationError{Field: "rule.id", Reason: fmt.Sprintf("empty id for rule %q", r.Rule)}
		}
		if _, dup := seen[r.ID]; dup {
			return &DuplicateRuleError{ID: r.ID}
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}
