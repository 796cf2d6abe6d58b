// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/steward/services/llm"
	"github.com/AleutianAI/steward/services/steward/types"
)

// Default token ceilings.
const (
	DefaultGlobalTokens  = 5000
	DefaultPerLensTokens = 1000
)

// TokenBudget is a token ceiling with an atomic usage counter.
//
// Usage may overshoot the ceiling, since Record is called with actual usage
// after a call was admitted on an estimate. Remaining saturates at zero.
//
// Thread Safety: Safe for concurrent use.
type TokenBudget struct {
	max  int64
	used atomic.Int64
}

// NewTokenBudget creates a budget of maxTokens.
func NewTokenBudget(maxTokens int) *TokenBudget {
	return &TokenBudget{max: int64(maxTokens)}
}

// CanAfford reports whether tokens fit in the remaining budget.
func (b *TokenBudget) CanAfford(tokens int) bool {
	return int64(b.Remaining()) >= int64(tokens)
}

// Record adds tokens to the usage counter.
func (b *TokenBudget) Record(tokens int) {
	b.used.Add(int64(tokens))
}

// Remaining returns max minus used, or zero when overspent.
func (b *TokenBudget) Remaining() int {
	r := b.max - b.used.Load()
	if r < 0 {
		return 0
	}
	return int(r)
}

// Used returns the tokens recorded so far.
func (b *TokenBudget) Used() int { return int(b.used.Load()) }

// Max returns the ceiling.
func (b *TokenBudget) Max() int { return int(b.max) }

// Reset zeroes the usage counter.
func (b *TokenBudget) Reset() { b.used.Store(0) }

// =============================================================================
// Usage and cost
// =============================================================================

// LLMUsage aggregates token usage and estimated spend.
type LLMUsage struct {
	TotalTokens         int     `json:"total_tokens"`
	PromptTokens        int     `json:"prompt_tokens"`
	CompletionTokens    int     `json:"completion_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	LLMCalls            int     `json:"llm_calls"`
	CacheHits           int     `json:"cache_hits"`
	Fallbacks           int     `json:"fallbacks"`
	EstimatedCostUSD    float64 `json:"estimated_cost_usd"`
}

// Add accumulates one call's usage priced for model. A call that read from
// the provider's prompt cache counts as a cache hit.
func (u *LLMUsage) Add(usage llm.TokenUsage, model string) {
	u.PromptTokens += usage.PromptTokens
	u.CompletionTokens += usage.CompletionTokens
	u.TotalTokens += usage.Total()
	u.CacheReadTokens += usage.CacheReadTokens
	u.CacheCreationTokens += usage.CacheCreationTokens
	u.LLMCalls++
	if usage.CacheReadTokens > 0 {
		u.CacheHits++
	}
	u.EstimatedCostUSD += EstimateCost(usage, model)
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// pricingTable is matched by substring in order; gpt-4o-mini must precede
// gpt-4o.
var pricingTable = []struct {
	match   string
	pricing ModelPricing
}{
	{"sonnet-4-5", ModelPricing{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.3}},
	{"opus-4-5", ModelPricing{Input: 5.0, Output: 25.0, CacheWrite: 6.25, CacheRead: 0.5}},
	{"haiku-4-5", ModelPricing{Input: 1.0, Output: 5.0, CacheWrite: 1.25, CacheRead: 0.1}},
	{"gpt-4o-mini", ModelPricing{Input: 0.15, Output: 0.6}},
	{"gpt-4o", ModelPricing{Input: 2.5, Output: 10.0}},
}

// PricingFor returns the rates for model, defaulting to Sonnet rates.
func PricingFor(model string) ModelPricing {
	for _, p := range pricingTable {
		if strings.Contains(model, p.match) {
			return p.pricing
		}
	}
	return pricingTable[0].pricing
}

// EstimateCost prices one call in USD.
func EstimateCost(usage llm.TokenUsage, model string) float64 {
	p := PricingFor(model)
	const perMTok = 1_000_000.0
	return float64(usage.PromptTokens)/perMTok*p.Input +
		float64(usage.CompletionTokens)/perMTok*p.Output +
		float64(usage.CacheCreationTokens)/perMTok*p.CacheWrite +
		float64(usage.CacheReadTokens)/perMTok*p.CacheRead
}

// =============================================================================
// Budget tracker
// =============================================================================

// BudgetConfig sets the token ceilings.
type BudgetConfig struct {
	GlobalMaxTokens  int                    `yaml:"global_max_tokens" json:"global_max_tokens"`
	PerLensMaxTokens int                    `yaml:"per_lens_max_tokens" json:"per_lens_max_tokens"`
	LensOverrides    map[types.LensType]int `yaml:"-" json:"-"`
}

// DefaultBudgetConfig returns 5000 global and 1000 per lens.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{GlobalMaxTokens: DefaultGlobalTokens, PerLensMaxTokens: DefaultPerLensTokens}
}

// BudgetTracker enforces a global budget and one budget per lens, and keeps
// the aggregate LLMUsage.
//
// Thread Safety: Safe for concurrent use.
type BudgetTracker struct {
	global *TokenBudget
	lenses map[types.LensType]*TokenBudget

	mu    sync.RWMutex
	usage LLMUsage
}

// NewBudgetTracker creates a tracker from cfg. Non-positive ceilings take
// the defaults.
func NewBudgetTracker(cfg BudgetConfig) *BudgetTracker {
	if cfg.GlobalMaxTokens <= 0 {
		cfg.GlobalMaxTokens = DefaultGlobalTokens
	}
	if cfg.PerLensMaxTokens <= 0 {
		cfg.PerLensMaxTokens = DefaultPerLensTokens
	}
	t := &BudgetTracker{
		global: NewTokenBudget(cfg.GlobalMaxTokens),
		lenses: make(map[types.LensType]*TokenBudget, len(types.CanonicalOrder)),
	}
	for _, l := range types.CanonicalOrder {
		limit := cfg.PerLensMaxTokens
		if o, ok := cfg.LensOverrides[l]; ok && o > 0 {
			limit = o
		}
		t.lenses[l] = NewTokenBudget(limit)
	}
	return t
}

// CanAfford reports whether both lens's budget and the global budget can
// cover tokens.
func (t *BudgetTracker) CanAfford(lens types.LensType, tokens int) bool {
	lensOK := true
	if b, ok := t.lenses[lens]; ok {
		lensOK = b.CanAfford(tokens)
	}
	return lensOK && t.global.CanAfford(tokens)
}

// RecordUsage charges usage to lens and the global budget and adds it to
// the aggregate.
func (t *BudgetTracker) RecordUsage(lens types.LensType, usage llm.TokenUsage, model string) {
	total := usage.Total()
	if b, ok := t.lenses[lens]; ok {
		b.Record(total)
	}
	t.global.Record(total)

	t.mu.Lock()
	t.usage.Add(usage, model)
	t.mu.Unlock()
}

// RecordFallback counts one lens fallback in the aggregate.
func (t *BudgetTracker) RecordFallback() {
	t.mu.Lock()
	t.usage.Fallbacks++
	t.mu.Unlock()
}

// Usage returns a copy of the aggregate usage.
func (t *BudgetTracker) Usage() LLMUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usage
}

// RemainingGlobal returns the unspent global tokens.
func (t *BudgetTracker) RemainingGlobal() int { return t.global.Remaining() }

// RemainingLens returns the unspent tokens for lens.
func (t *BudgetTracker) RemainingLens(lens types.LensType) int {
	if b, ok := t.lenses[lens]; ok {
		return b.Remaining()
	}
	return 0
}

// Reset zeroes every budget and the aggregate usage.
func (t *BudgetTracker) Reset() {
	for _, b := range t.lenses {
		b.Reset()
	}
	t.global.Reset()
	t.mu.Lock()
	t.usage = LLMUsage{}
	t.mu.Unlock()
}
