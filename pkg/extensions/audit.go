// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventEvaluationCompleted = "evaluation.completed"
	EventEvaluationRejected  = "evaluation.rejected"
	EventContractReloaded    = "contract.reloaded"
)

// AuditEvent records one governance decision for later review.
//
// # Compliance Fields
//
// For regulatory review, always populate:
//   - EvaluationID: correlates the event with the returned result
//   - Timestamp: required for audit trail integrity
//   - ContractName/ContractVersion: which policy the output was held to
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    EventEvaluationCompleted,
//	    Timestamp:    time.Now().UTC(),
//	    Actor:        "api",
//	    EvaluationID: result.EvaluationID,
//	    ContractName: c.Name,
//	    Outcome:      "blocked",
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string `json:"event_type"`

	// Timestamp is when the event occurred (always UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time `json:"timestamp"`

	// Actor identifies who requested the evaluation.
	// "cli" and "api" for the built-in surfaces, "anonymous" if unknown.
	Actor string `json:"actor"`

	// EvaluationID is the result's evaluation id, if one was produced.
	EvaluationID string `json:"evaluation_id,omitempty"`

	ContractName    string `json:"contract_name,omitempty"`
	ContractVersion string `json:"contract_version,omitempty"`

	// Outcome is the verdict ("proceed", "escalate", "blocked") or "error".
	Outcome string `json:"outcome"`

	// Confidence is the final evaluation confidence.
	Confidence float64 `json:"confidence"`

	// Fallbacks counts lenses that fell back to deterministic evaluation.
	Fallbacks int `json:"fallbacks"`

	// Metadata holds event-specific string data, including result metadata
	// and "error" when Outcome is "error".
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AuditFilter defines criteria for querying audit events.
//
// All fields are optional; only non-zero values are applied, combined with
// AND logic.
type AuditFilter struct {
	// EventTypes limits results to specific event types.
	EventTypes []string

	// ContractName limits results to one contract.
	ContractName string

	// Outcome limits results to one verdict.
	Outcome string

	// StartTime is the earliest timestamp included (inclusive).
	StartTime time.Time

	// EndTime is the latest timestamp included (exclusive).
	EndTime time.Time

	// Limit is the maximum number of events returned; zero means the
	// implementation default.
	Limit int
}

// Matches reports whether e satisfies the filter.
func (f AuditFilter) Matches(e AuditEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ContractName != "" && f.ContractName != e.ContractName {
		return false
	}
	if f.Outcome != "" && f.Outcome != e.Outcome {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && !e.Timestamp.Before(f.EndTime) {
		return false
	}
	return true
}

// AuditLogger records evaluation events.
//
// Implementations must be safe for concurrent use. Log is called on the
// evaluation path after synthesis and should return quickly; an audit
// failure is logged by the caller and never changes the verdict.
type AuditLogger interface {
	// Log records an event.
	//
	// Implementations should set Timestamp if zero.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns events matching filter, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists buffered events. Call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
//
// Thread-safe: This implementation has no mutable state.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Query returns an empty slice.
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// SlogAuditLogger writes events to a structured logger and stores nothing.
type SlogAuditLogger struct {
	Logger *slog.Logger
}

// Log emits the event at Info level.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		slog.String("event_type", event.EventType),
		slog.String("actor", event.Actor),
		slog.String("evaluation_id", event.EvaluationID),
		slog.String("contract", event.ContractName),
		slog.String("outcome", event.Outcome),
		slog.Float64("confidence", event.Confidence),
		slog.Int("fallbacks", event.Fallbacks),
	)
	return nil
}

// Query returns an empty slice; events are not retained.
func (l *SlogAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *SlogAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
