// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the extension points around an evaluation.
//
// Deployments add domain behaviour (regulatory annotations, audit sinks, API
// authentication) by injecting implementations through ServiceOptions. The
// defaults are no-ops, so the evaluator is fully functional with none.
//
// # Extension Categories
//
//   - metadata.go: post-synthesis metadata annotations (MetadataExtension)
//   - compliance.go: financial services and healthcare annotations
//   - audit.go: evaluation audit logging (AuditLogger)
//   - auth.go: API token authentication (AuthProvider)
//
// # Verdict Isolation
//
// A MetadataExtension only ever receives a Metadata map and a by-value copy
// of the evaluation facts. It has no reference to the verdict or the
// confidence of the result it annotates, so it cannot change either.
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional; nil values are treated as no-ops by consumers.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithExtension(&extensions.FinancialServicesExtension{RegulatoryFramework: "SEC_17a-4"}).
//	    WithAudit(journal)
type ServiceOptions struct {
	// Extensions annotate result metadata after synthesis, in order.
	// Default: none
	Extensions []MetadataExtension

	// AuditLogger records one event per evaluation.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger

	// AuthProvider validates API tokens for the HTTP server.
	// Default: NopAuthProvider (always returns the local user)
	AuthProvider AuthProvider
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger:  &NopAuditLogger{},
		AuthProvider: &NopAuthProvider{},
	}
}

// WithExtension returns a copy of opts with ext appended.
func (opts ServiceOptions) WithExtension(ext MetadataExtension) ServiceOptions {
	opts.Extensions = append(append([]MetadataExtension(nil), opts.Extensions...), ext)
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// Audit returns the configured AuditLogger or a no-op.
func (opts ServiceOptions) Audit() AuditLogger {
	if opts.AuditLogger == nil {
		return &NopAuditLogger{}
	}
	return opts.AuditLogger
}

// Auth returns the configured AuthProvider or a no-op.
func (opts ServiceOptions) Auth() AuthProvider {
	if opts.AuthProvider == nil {
		return &NopAuthProvider{}
	}
	return opts.AuthProvider
}
