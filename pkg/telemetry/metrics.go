// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the HTTP API instruments.
//
// Orchestrator internals are exported through promauto collectors in the
// orchestrator package; these instruments cover the request surface.
type Metrics struct {
	// HTTPRequestsTotal counts requests by method, route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records request latency in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// VerdictsTotal counts returned verdicts by verdict and contract.
	VerdictsTotal metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
//
// Outputs:
//
//	*Metrics - Ready for use.
//	error - Non-nil if any instrument could not be created.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"steward_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"steward_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.VerdictsTotal, err = meter.Int64Counter(
		"steward_verdicts_total",
		metric.WithDescription("Evaluation verdicts returned"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verdicts_total: %w", err)
	}

	return m, nil
}

// DefaultMetrics creates instruments on the global meter provider.
func DefaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter("steward.server"))
}

// RecordRequest records one finished HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordVerdict records one returned verdict.
func (m *Metrics) RecordVerdict(ctx context.Context, verdict, contractName string) {
	if m == nil {
		return
	}
	m.VerdictsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("contract", contractName),
	))
}
