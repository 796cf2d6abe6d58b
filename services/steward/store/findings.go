// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/steward/services/steward/resilience"
	"github.com/AleutianAI/steward/services/steward/types"
)

const findingPrefix = "finding/"

// FindingStore keeps cached lens findings across restarts. Entries expire
// through Badger's TTL.
type FindingStore struct {
	db *DB
}

var _ resilience.FindingStore = (*FindingStore)(nil)

// NewFindingStore returns a store over db.
func NewFindingStore(db *DB) *FindingStore {
	return &FindingStore{db: db}
}

// LoadFinding returns the finding stored under key, if present and unexpired.
func (s *FindingStore) LoadFinding(ctx context.Context, key string) (types.LensFinding, bool, error) {
	var f types.LensFinding
	found := false
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(findingPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &f)
		})
	})
	if err != nil {
		return types.LensFinding{}, false, fmt.Errorf("load finding: %w", err)
	}
	return f, found, nil
}

// StoreFinding writes f under key with the given TTL. A non-positive ttl
// stores without expiry.
func (s *FindingStore) StoreFinding(ctx context.Context, key string, f types.LensFinding, ttl time.Duration) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode finding: %w", err)
	}
	entry := badger.NewEntry([]byte(findingPrefix+key), data)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	if err := s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("store finding: %w", err)
	}
	return nil
}

// Purge deletes every stored finding.
func (s *FindingStore) Purge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.db.DropPrefix([]byte(findingPrefix))
}
