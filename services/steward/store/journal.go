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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/steward/pkg/extensions"
)

const (
	auditPrefix = "audit/"

	// DefaultQueryLimit caps Query when the filter sets no limit.
	DefaultQueryLimit = 100
)

// ErrChainBroken is returned by Verify when a record's hash does not match.
var ErrChainBroken = errors.New("audit chain broken")

// journalRecord is the stored form of one event.
type journalRecord struct {
	Seq      uint64                `json:"seq"`
	Event    extensions.AuditEvent `json:"event"`
	PrevHash string                `json:"prev_hash"`
	Hash     string                `json:"hash"`
}

// Journal is an append-only audit log in which each record carries the hash
// of its predecessor, so that edits or deletions are detectable.
//
// Thread Safety: Safe for concurrent use. Appends are serialised.
type Journal struct {
	db  *DB
	now func() time.Time

	mu       sync.Mutex
	seq      uint64
	lastHash string
}

var _ extensions.AuditLogger = (*Journal)(nil)

// NewJournal opens the journal in db and recovers the chain head.
func NewJournal(ctx context.Context, db *DB) (*Journal, error) {
	j := &Journal{db: db, now: time.Now}
	err := db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(auditPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append([]byte(auditPrefix), 0xFF))
		if !it.ValidForPrefix([]byte(auditPrefix)) {
			return nil
		}
		rec, err := decodeRecord(it.Item())
		if err != nil {
			return err
		}
		j.seq, j.lastHash = rec.Seq, rec.Hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover audit journal: %w", err)
	}
	return j, nil
}

func auditKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", auditPrefix, seq))
}

func decodeRecord(item *badger.Item) (journalRecord, error) {
	var rec journalRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// chainHash is sha256(prevHash || seq || event JSON).
func chainHash(prevHash string, seq uint64, event extensions.AuditEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(fmt.Sprintf("|%d|", seq)))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Log appends event to the chain.
func (j *Journal) Log(ctx context.Context, event extensions.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = j.now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.seq + 1
	hash, err := chainHash(j.lastHash, seq, event)
	if err != nil {
		return fmt.Errorf("hash audit event: %w", err)
	}
	data, err := json.Marshal(journalRecord{Seq: seq, Event: event, PrevHash: j.lastHash, Hash: hash})
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if err := j.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(auditKey(seq), data)
	}); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	j.seq, j.lastHash = seq, hash
	return nil
}

// Query returns matching events, newest first.
func (j *Journal) Query(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	out := []extensions.AuditEvent{}
	err := j.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(auditPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append([]byte(auditPrefix), 0xFF)); it.ValidForPrefix([]byte(auditPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := decodeRecord(it.Item())
			if err != nil {
				return err
			}
			if filter.Matches(rec.Event) {
				out = append(out, rec.Event)
				if len(out) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query audit journal: %w", err)
	}
	return out, nil
}

// Flush syncs pending writes to disk.
func (j *Journal) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.db.Sync()
}

// Len returns the number of records appended so far.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Verify walks the chain from the start and checks every link.
//
// Outputs:
//
//	int - Number of records verified.
//	error - ErrChainBroken naming the first bad sequence number.
func (j *Journal) Verify(ctx context.Context) (int, error) {
	n := 0
	err := j.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		prev := ""
		var expectSeq uint64 = 1
		for it.Rewind(); it.Valid(); it.Next() {
			rec, err := decodeRecord(it.Item())
			if err != nil {
				return err
			}
			if rec.Seq != expectSeq || rec.PrevHash != prev {
				return fmt.Errorf("%w at seq %d", ErrChainBroken, expectSeq)
			}
			want, err := chainHash(prev, rec.Seq, rec.Event)
			if err != nil {
				return err
			}
			if want != rec.Hash {
				return fmt.Errorf("%w at seq %d", ErrChainBroken, rec.Seq)
			}
			prev = rec.Hash
			expectSeq++
			n++
		}
		return nil
	})
	return n, err
}
