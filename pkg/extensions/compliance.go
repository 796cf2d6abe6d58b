// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"fmt"
	"strconv"
)

// FinancialServicesExtension tags results for financial-services retention.
type FinancialServicesExtension struct {
	// RegulatoryFramework is recorded verbatim, e.g. "SEC_17a-4".
	RegulatoryFramework string

	// AuditEnabled is recorded as "true" or "false".
	AuditEnabled bool
}

func (e *FinancialServicesExtension) Name() string { return "financial_services" }

// Annotate sets regulatory_framework, compliance_domain, audit_enabled and
// evaluated_confidence.
func (e *FinancialServicesExtension) Annotate(_ context.Context, facts EvaluationFacts, meta Metadata) error {
	meta.Set("regulatory_framework", e.RegulatoryFramework).
		Set("compliance_domain", "financial_services").
		Set("audit_enabled", strconv.FormatBool(e.AuditEnabled)).
		Set("evaluated_confidence", fmt.Sprintf("%.2f", facts.Confidence))
	return nil
}

// HealthcareExtension tags results for healthcare compliance.
type HealthcareExtension struct {
	// PHIDetectionStrict selects "strict" over "standard" PHI detection mode.
	PHIDetectionStrict bool
}

func (e *HealthcareExtension) Name() string { return "healthcare" }

// Annotate sets compliance_domain, phi_detection_mode and hipaa_applicable.
func (e *HealthcareExtension) Annotate(_ context.Context, _ EvaluationFacts, meta Metadata) error {
	mode := "standard"
	if e.PHIDetectionStrict {
		mode = "strict"
	}
	meta.Set("compliance_domain", "healthcare").
		Set("phi_detection_mode", mode).
		Set("hipaa_applicable", "true")
	return nil
}

// ExtensionFromConfig builds a named extension from string settings.
//
// # Inputs
//
//   - name: "financial_services" or "healthcare".
//   - settings: extension-specific keys ("regulatory_framework",
//     "audit_enabled", "phi_detection_strict").
//
// # Outputs
//
//   - MetadataExtension: The configured extension.
//   - error: Non-nil for an unknown name or a malformed boolean.
func ExtensionFromConfig(name string, settings map[string]string) (MetadataExtension, error) {
	switch name {
	case "financial_services":
		audit, err := parseBoolSetting(settings, "audit_enabled")
		if err != nil {
			return nil, err
		}
		return &FinancialServicesExtension{
			RegulatoryFramework: settings["regulatory_framework"],
			AuditEnabled:        audit,
		}, nil
	case "healthcare":
		strict, err := parseBoolSetting(settings, "phi_detection_strict")
		if err != nil {
			return nil, err
		}
		return &HealthcareExtension{PHIDetectionStrict: strict}, nil
	default:
		return nil, fmt.Errorf("unknown metadata extension %q", name)
	}
}

func parseBoolSetting(settings map[string]string, key string) (bool, error) {
	raw, ok := settings[key]
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, nil
}
