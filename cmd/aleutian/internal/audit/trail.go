// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/storage/badger"
)

// DefaultBatchSize is the number of records covered by one Merkle root.
const DefaultBatchSize = 64

var (
	recordPrefix = []byte("audit/r/")
	rootPrefix   = []byte("audit/m/")
	headKey      = []byte("audit/head")
)

func recordKey(index int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", recordPrefix, index))
}

func rootKey(toIndex int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", rootPrefix, toIndex))
}

// head is the persisted chain state, including the open Merkle batch.
type head struct {
	LastIndex   int64    `json:"last_index"`
	LastHash    string   `json:"last_hash"`
	BatchStart  int64    `json:"batch_start"`
	BatchHashes []string `json:"batch_hashes"`
}

// Trail is a badger-backed Appender.
//
// # Thread Safety
//
// Trail is safe for concurrent use. Appends are serialized under a mutex
// and each is written in one transaction, so concurrent writers never
// interleave partial records.
type Trail struct {
	db        *badger.DB
	batchSize int
	clock     func() time.Time

	mu   sync.Mutex
	head head
}

// Open loads the chain head from db and returns a Trail.
//
// # Inputs
//
//   - ctx: Context for the initial read.
//   - db: Open database. The Trail does not close it.
//   - batchSize: Records per Merkle root; <= 0 uses DefaultBatchSize.
func Open(ctx context.Context, db *badger.DB, batchSize int) (*Trail, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	t := &Trail{
		db:        db,
		batchSize: batchSize,
		clock:     func() time.Time { return time.Now().UTC() },
	}
	err := db.View(ctx, func(txn *badgerdb.Txn) error {
		err := badger.GetJSON(txn, headKey, &t.head)
		if errors.Is(err, badger.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	}
	return t, nil
}

// Append implements Appender.
//
// # Description
//
// Missing IDs and timestamps are filled in. The record, the chain head
// and, when a batch closes, its Merkle root are committed together. On
// error nothing is written and the in-memory head is unchanged, so the
// caller may append again (at-least-once).
func (t *Trail) Append(ctx context.Context, event Event) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	index := t.head.LastIndex + 1
	hash, err := recordHash(t.head.LastHash, index, event)
	if err != nil {
		return Record{}, fmt.Errorf("hash audit event: %w", err)
	}
	rec := Record{
		Index:     index,
		Timestamp: now,
		Event:     event,
		PrevHash:  t.head.LastHash,
		Hash:      hash,
	}

	next := head{
		LastIndex:   index,
		LastHash:    hash,
		BatchStart:  t.head.BatchStart,
		BatchHashes: append(append([]string(nil), t.head.BatchHashes...), hash),
	}
	if len(t.head.BatchHashes) == 0 {
		next.BatchStart = index
	}

	var root *RootRecord
	if len(next.BatchHashes) >= t.batchSize {
		root = &RootRecord{
			FromIndex: next.BatchStart,
			ToIndex:   index,
			RootHash:  MerkleRoot(next.BatchHashes),
			CreatedAt: now,
		}
		next.BatchHashes = nil
		next.BatchStart = 0
	}

	err = t.db.Update(ctx, func(txn *badgerdb.Txn) error {
		if err := badger.PutJSON(txn, recordKey(index), rec); err != nil {
			return err
		}
		if root != nil {
			if err := badger.PutJSON(txn, rootKey(root.ToIndex), root); err != nil {
				return err
			}
		}
		return badger.PutJSON(txn, headKey, next)
	})
	if err != nil {
		return Record{}, fmt.Errorf("append audit record %d: %w", index, err)
	}

	t.head = next
	return rec, nil
}

// Head returns the index and hash of the latest record.
func (t *Trail) Head() (int64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head.LastIndex, t.head.LastHash
}

// Records returns up to limit records starting at index from (1-based).
// limit <= 0 returns everything from that point.
func (t *Trail) Records(ctx context.Context, from int64, limit int) ([]Record, error) {
	if from < 1 {
		from = 1
	}
	var out []Record
	errStop := errors.New("stop")
	err := t.db.View(ctx, func(txn *badgerdb.Txn) error {
		return badger.ScanPrefix(txn, recordPrefix, func(_, value []byte) error {
			var rec Record
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("decode audit record: %w", err)
			}
			if rec.Index < from {
				return nil
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return errStop
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}

// Roots returns every stored Merkle root in index order.
func (t *Trail) Roots(ctx context.Context) ([]RootRecord, error) {
	var out []RootRecord
	err := t.db.View(ctx, func(txn *badgerdb.Txn) error {
		return badger.ScanPrefix(txn, rootPrefix, func(_, value []byte) error {
			var r RootRecord
			if err := json.Unmarshal(value, &r); err != nil {
				return fmt.Errorf("decode audit root: %w", err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// Export writes every record as one JSON line.
func (t *Trail) Export(ctx context.Context, w io.Writer) (int, error) {
	records, err := t.Records(ctx, 1, 0)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return i, fmt.Errorf("export record %d: %w", rec.Index, err)
		}
	}
	return len(records), nil
}

// Verify recomputes the hash chain and every closed batch root.
func (t *Trail) Verify(ctx context.Context) (VerifyReport, error) {
	records, err := t.Records(ctx, 1, 0)
	if err != nil {
		return VerifyReport{}, err
	}
	roots, err := t.Roots(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyChain(records, roots, t.batchSize), nil
}

// VerifyChain checks records (in index order) and roots against each other.
func VerifyChain(records []Record, roots []RootRecord, batchSize int) VerifyReport {
	report := VerifyReport{OK: true}
	fail := func(format string, args ...any) {
		report.OK = false
		report.Errors = append(report.Errors, fmt.Sprintf(format, args...))
	}

	rootIndex := 0
	var batch []string
	var expectedPrev string
	var expectedIndex int64

	for _, rec := range records {
		expectedIndex++
		if rec.Index != expectedIndex {
			fail("index mismatch at %d (want %d)", rec.Index, expectedIndex)
		}
		if rec.PrevHash != expectedPrev {
			fail("prev_hash mismatch at %d", rec.Index)
		}
		computed, err := recordHash(rec.PrevHash, rec.Index, rec.Event)
		if err != nil {
			fail("stable json at %d: %v", rec.Index, err)
		} else if computed != rec.Hash {
			fail("hash mismatch at %d", rec.Index)
		}
		expectedPrev = rec.Hash
		report.Total++
		report.LastIndex = rec.Index
		report.LastHash = rec.Hash

		batch = append(batch, rec.Hash)
		if batchSize > 0 && len(batch) == batchSize {
			if rootIndex >= len(roots) {
				fail("missing root for batch ending %d", rec.Index)
			} else {
				if roots[rootIndex].RootHash != MerkleRoot(batch) {
					fail("root mismatch for batch ending %d", rec.Index)
				}
				report.RootsChecked++
				rootIndex++
			}
			batch = nil
		}
	}
	return report
}
