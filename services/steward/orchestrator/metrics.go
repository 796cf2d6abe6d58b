// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lens resolution paths recorded in lensOutcomes.
const (
	pathDeterministic = "deterministic"
	pathAssisted      = "assisted"
	pathCache         = "cache"
	pathFallback      = "fallback"
	pathFloor         = "deterministic_floor"
)

// Fallback reason kinds recorded in fallbacksTotal.
const (
	reasonCircuitOpen = "circuit_open"
	reasonBudget      = "budget_exceeded"
	reasonTimeout     = "timeout"
	reasonEvidence    = "evidence_invalid"
	reasonAgentError  = "agent_error"
)

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_orchestrator_evaluations_total",
		Help: "Total orchestrated evaluations by verdict",
	}, []string{"verdict"})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "steward_orchestrator_evaluation_duration_seconds",
		Help:    "Duration of orchestrated evaluations",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
	})

	lensOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_orchestrator_lens_outcomes_total",
		Help: "Lens findings by resolution path",
	}, []string{"lens", "path"})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_orchestrator_fallbacks_total",
		Help: "Lens fallbacks by reason",
	}, []string{"lens", "reason"})

	lensOverruled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_orchestrator_assisted_below_floor_total",
		Help: "Assisted findings discarded for being less severe than the deterministic finding",
	}, []string{"lens"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_orchestrator_llm_tokens_total",
		Help: "Tokens consumed by assisted lens evaluation",
	}, []string{"lens", "model"})

	circuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steward_orchestrator_circuit_open",
		Help: "1 when the lens circuit breaker is open",
	}, []string{"lens"})
)
