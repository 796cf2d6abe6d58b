// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience holds the failure-containment pieces used by the
// orchestrator: a per-lens circuit breaker, token budgets with cost
// accounting, a finding cache and the fallback strategy chain.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/steward/services/steward/types"
)

// ErrCircuitOpen is returned when a lens's circuit rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - calls pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures - calls are rejected.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - calls pass and are counted.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening (default: 3).
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long to stay open before testing recovery (default: 30s).
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// SuccessThreshold is successes needed to close from half-open (default: 2).
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// HalfOpenMax is the number of concurrent trial calls admitted while
	// half-open (default: 1).
	HalfOpenMax int `yaml:"half_open_max" json:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMax:      1,
	}
}

// LensCircuit is a snapshot of one lens's circuit.
type LensCircuit struct {
	State CircuitState `json:"state"`

	// Failures counts consecutive failures while Closed.
	Failures int `json:"failures"`

	// Successes counts successes while HalfOpen.
	Successes int `json:"successes"`

	// OpenedAt is set while Open.
	OpenedAt time.Time `json:"opened_at,omitempty"`

	// InFlight counts trial calls admitted by Allow while HalfOpen that
	// have not yet been recorded.
	InFlight int `json:"in_flight"`
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	TotalFailures   int64                  `json:"total_failures"`
	TotalRejections int64                  `json:"total_rejections"`
	Lenses          map[string]LensCircuit `json:"lenses"`
}

// CircuitBreaker tracks a separate circuit per lens.
//
// A lens whose assisted evaluation keeps failing is short-circuited to its
// deterministic fallback without paying for further LLM calls:
//
//   - Closed: calls pass; FailureThreshold consecutive failures open it.
//   - Open: calls are rejected until RecoveryTimeout has elapsed, then the
//     circuit moves to HalfOpen.
//   - HalfOpen: Allow admits HalfOpenMax trial calls at a time; each
//     admitted call must end in RecordSuccess, RecordFailure or Release.
//     SuccessThreshold successes close it, any failure reopens it.
//
// A lens that has never been recorded is Closed with zero failures.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	circuits map[types.LensType]*LensCircuit

	totalFailures   int64
	totalRejections int64
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// NewCircuitBreaker creates a circuit breaker. Non-positive config fields
// take their defaults.
func NewCircuitBreaker(config CircuitBreakerConfig, opts ...CircuitBreakerOption) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	cb := &CircuitBreaker{
		config:   config,
		now:      time.Now,
		circuits: make(map[types.LensType]*LensCircuit),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.config }

// IsOpen reports whether lens's circuit is Open. It admits nothing; use
// Allow before making a call.
//
// An Open circuit whose recovery timeout has elapsed transitions to HalfOpen
// and reports false.
func (cb *CircuitBreaker) IsOpen(lens types.LensType) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c, ok := cb.circuits[lens]
	return ok && cb.refresh(c) == CircuitOpen
}

// Allow admits one call for lens or returns ErrCircuitOpen.
//
// # Description
//
// Closed admits every call. Open rejects until the recovery timeout has
// elapsed. HalfOpen admits up to HalfOpenMax trial calls at a time; the
// slot is returned by RecordSuccess, RecordFailure or Release. Every
// rejection is counted in Stats.
//
// # Thread Safety
//
// Safe for concurrent use.
func (cb *CircuitBreaker) Allow(lens types.LensType) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[lens]
	if !ok {
		return nil
	}
	switch cb.refresh(c) {
	case CircuitOpen:
		cb.totalRejections++
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if c.InFlight >= cb.config.HalfOpenMax {
			cb.totalRejections++
			return ErrCircuitOpen
		}
		c.InFlight++
	}
	return nil
}

// Release returns a half-open trial slot taken by Allow when the call was
// abandoned without an outcome.
func (cb *CircuitBreaker) Release(lens types.LensType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[lens]; ok {
		release(c)
	}
}

// refresh moves an expired Open circuit to HalfOpen. Caller holds mu.
func (cb *CircuitBreaker) refresh(c *LensCircuit) CircuitState {
	if c.State == CircuitOpen && cb.now().Sub(c.OpenedAt) >= cb.config.RecoveryTimeout {
		*c = LensCircuit{State: CircuitHalfOpen}
	}
	return c.State
}

func release(c *LensCircuit) {
	if c.InFlight > 0 {
		c.InFlight--
	}
}

// RecordSuccess records a successful call for lens.
func (cb *CircuitBreaker) RecordSuccess(lens types.LensType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[lens]
	if !ok {
		return
	}
	switch c.State {
	case CircuitHalfOpen:
		release(c)
		c.Successes++
		if c.Successes >= cb.config.SuccessThreshold {
			*c = LensCircuit{State: CircuitClosed}
		}
	case CircuitClosed:
		c.Failures = 0
	}
}

// RecordFailure records a failed call for lens.
func (cb *CircuitBreaker) RecordFailure(lens types.LensType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	c, ok := cb.circuits[lens]
	if !ok {
		c = &LensCircuit{State: CircuitClosed}
		cb.circuits[lens] = c
	}
	switch c.State {
	case CircuitClosed:
		c.Failures++
		if c.Failures >= cb.config.FailureThreshold {
			*c = LensCircuit{State: CircuitOpen, OpenedAt: cb.now()}
		}
	case CircuitHalfOpen:
		*c = LensCircuit{State: CircuitOpen, OpenedAt: cb.now()}
	}
}

// State returns a snapshot of lens's circuit.
func (cb *CircuitBreaker) State(lens types.LensType) LensCircuit {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[lens]; ok {
		return *c
	}
	return LensCircuit{State: CircuitClosed}
}

// Reset closes lens's circuit.
func (cb *CircuitBreaker) Reset(lens types.LensType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.circuits, lens)
}

// ResetAll closes every circuit.
func (cb *CircuitBreaker) ResetAll() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	clear(cb.circuits)
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	stats := CircuitBreakerStats{
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		Lenses:          make(map[string]LensCircuit, len(cb.circuits)),
	}
	for l, c := range cb.circuits {
		stats.Lenses[l.String()] = *c
	}
	return stats
}
