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
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/types"
)

// Cache defaults.
const (
	DefaultCacheEntries = 10000
	DefaultCacheTTL     = time.Hour
)

// FindingStore is an optional second cache tier that survives restarts.
type FindingStore interface {
	LoadFinding(ctx context.Context, key string) (types.LensFinding, bool, error)
	StoreFinding(ctx context.Context, key string, f types.LensFinding, ttl time.Duration) error
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// FindingCache is an LRU cache of lens findings with a fixed TTL.
//
// Findings are copied on the way in and on the way out, so a caller that
// modifies a returned finding cannot change what later callers see.
//
// Thread Safety: Safe for concurrent use.
type FindingCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	store   FindingStore
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	key       string
	finding   types.LensFinding
	expiresAt time.Time
}

// CacheOption configures a FindingCache.
type CacheOption func(*FindingCache)

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *FindingCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithFindingStore adds a persistent tier consulted on memory misses.
func WithFindingStore(s FindingStore) CacheOption {
	return func(c *FindingCache) { c.store = s }
}

// WithCacheLogger sets the logger for persistent tier errors.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *FindingCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewFindingCache creates a cache. Non-positive arguments take the defaults
// (10000 entries, 1h).
func NewFindingCache(maxSize int, ttl time.Duration, opts ...CacheOption) *FindingCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheEntries
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &FindingCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheKey derives the key for one lens evaluation of output under c with
// the given context.
//
// The contract is identified by its content fingerprint, so any edit,
// including one that keeps the version, misses the cache. Fields are
// length-prefixed so that adjacent values cannot collide.
func CacheKey(c *contract.Contract, output types.Output, history []string, lens types.LensType) string {
	h := sha256.New()
	var n [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	if c != nil {
		write(c.Fingerprint())
	}
	write(output.Content)
	binary.BigEndian.PutUint64(n[:], uint64(len(history)))
	h.Write(n[:])
	for _, entry := range history {
		write(entry)
	}
	write(lens.String())
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached finding for key.
func (c *FindingCache) Get(ctx context.Context, key string) (types.LensFinding, bool) {
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		if c.now().Before(entry.expiresAt) {
			c.lru.MoveToFront(elem)
			f := entry.finding.Clone()
			c.mu.Unlock()
			c.hits.Add(1)
			return f, true
		}
		c.removeElement(elem)
	}
	c.mu.Unlock()

	if c.store != nil {
		f, ok, err := c.store.LoadFinding(ctx, key)
		if err != nil {
			c.logger.WarnContext(ctx, "finding store read failed", slog.String("error", err.Error()))
		}
		if ok {
			c.hits.Add(1)
			c.insert(key, f)
			return f.Clone(), true
		}
	}

	c.misses.Add(1)
	return types.LensFinding{}, false
}

// Set stores a copy of f under key, evicting the least recently used entry
// when full.
func (c *FindingCache) Set(ctx context.Context, key string, f types.LensFinding) {
	c.insert(key, f)
	if c.store != nil {
		if err := c.store.StoreFinding(ctx, key, f, c.ttl); err != nil {
			c.logger.WarnContext(ctx, "finding store write failed", slog.String("error", err.Error()))
		}
	}
}

func (c *FindingCache) insert(key string, f types.LensFinding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.finding = f.Clone()
		entry.expiresAt = expires
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxSize {
		c.removeElement(c.lru.Back())
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, finding: f.Clone(), expiresAt: expires})
}

// removeElement must be called with the lock held.
func (c *FindingCache) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(elem)
}

// Len returns the number of in-memory entries, expired ones included.
func (c *FindingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear drops every in-memory entry. The persistent tier is not touched.
func (c *FindingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns hit, miss and size counters.
func (c *FindingCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.Len()}
}
