// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// Metadata Type
// =============================================================================

// Metadata stores string annotations attached to an evaluation result.
//
// # Common Keys
//
//   - "compliance_domain": e.g. "financial_services", "healthcare"
//   - "regulatory_framework": e.g. "SEC_17a-4"
//   - "evaluated_confidence": formatted confidence at annotation time
//
// # Thread Safety
//
// Metadata is NOT thread-safe. Extensions run sequentially on one map.
type Metadata map[string]string

// NewMetadata creates an empty Metadata instance.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or updates a key and returns the Metadata for chaining.
func (m Metadata) Set(key, value string) Metadata {
	m[key] = value
	return m
}

// Get returns the value for key.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// Metadata Extensions
// =============================================================================

// EvaluationFacts is a read-only snapshot of a finished evaluation.
//
// It is passed by value: changing it has no effect on the result.
type EvaluationFacts struct {
	EvaluationID    string
	ContractName    string
	ContractVersion string
	Verdict         string
	Confidence      float64
	RulesEvaluated  int
}

// MetadataExtension annotates a result after synthesis.
//
// Implementations may only add or change keys in meta. They never see the
// result itself.
type MetadataExtension interface {
	// Name identifies the extension in logs and errors.
	Name() string

	// Annotate writes domain annotations into meta.
	Annotate(ctx context.Context, facts EvaluationFacts, meta Metadata) error
}

// ApplyExtensions runs exts in order against meta.
//
// # Description
//
// A failing extension does not stop the chain; its error is wrapped with the
// extension name and all errors are returned joined. Annotations written
// before an extension failed are kept.
//
// # Outputs
//
//   - error: nil, or the joined extension errors.
func ApplyExtensions(ctx context.Context, exts []MetadataExtension, facts EvaluationFacts, meta Metadata) error {
	var errs []error
	for _, ext := range exts {
		if ext == nil {
			continue
		}
		if err := ext.Annotate(ctx, facts, meta); err != nil {
			errs = append(errs, fmt.Errorf("extension %s: %w", ext.Name(), err))
		}
	}
	return errors.Join(errs...)
}
