// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists rollout outcomes and risk assessments.
//
// Outcomes feed the historical reliability factor of the risk scorer:
// each touched path keeps a sliding window of recent rollout results. A
// path that was never deployed has no reliability, so new code gets the
// optimistic default. Directory windows are recorded as well and only
// consulted when the store is opened WithDirectoryPrior. Assessments are kept by commit SHA so the bisect
// engine can bias its search towards commits that were scored risky.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/storage/badger"
)

// DefaultWindow is the number of recent outcomes kept per path.
const DefaultWindow = 20

const (
	pathPrefix       = "hist/p/"
	dirPrefix        = "hist/d/"
	assessmentPrefix = "hist/a/"
)

// Outcome is the result of one finished rollout.
type Outcome struct {
	PlanID    string    `json:"plan_id"`
	CommitSHA string    `json:"commit_sha"`
	Paths     []string  `json:"paths"`
	Succeeded bool      `json:"succeeded"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// window is the stored per-key outcome history, newest last.
type window struct {
	Results []bool    `json:"results"`
	Updated time.Time `json:"updated"`
}

func (w window) reliability() float64 {
	if len(w.Results) == 0 {
		return risk.DefaultReliability
	}
	ok := 0
	for _, r := range w.Results {
		if r {
			ok++
		}
	}
	return 100 * float64(ok) / float64(len(w.Results))
}

// Store is a badger-backed history store. It implements
// risk.ReliabilitySource.
//
// # Thread Safety
//
// Store is safe for concurrent use. Window updates happen inside badger
// transactions; conflicting writers get badger.ErrConflict and retry.
type Store struct {
	db       *badger.DB
	window   int
	dirPrior bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDirectoryPrior makes a path without history inherit the window of
// its directory.
func WithDirectoryPrior(enabled bool) StoreOption {
	return func(s *Store) { s.dirPrior = enabled }
}

// NewStore creates a Store over db. window <= 0 uses DefaultWindow.
func NewStore(db *badger.DB, window int, opts ...StoreOption) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	s := &Store{db: db, window: window}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordOutcome appends an outcome to the window of every touched path
// and of each path's directory.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	keys := make(map[string]bool)
	for _, p := range o.Paths {
		keys[pathPrefix+p] = true
		keys[dirPrefix+path.Dir(p)] = true
	}

	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = s.db.Update(ctx, func(txn *badgerdb.Txn) error {
			for key := range keys {
				var w window
				if err := badger.GetJSON(txn, []byte(key), &w); err != nil && !errors.Is(err, badger.ErrNotFound) {
					return err
				}
				w.Results = append(w.Results, o.Succeeded)
				if len(w.Results) > s.window {
					w.Results = w.Results[len(w.Results)-s.window:]
				}
				w.Updated = o.At
				if err := badger.PutJSON(txn, []byte(key), w); err != nil {
					return err
				}
			}
			return nil
		})
		if !errors.Is(err, badgerdb.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", o.PlanID, err)
	}
	return nil
}

// Reliability implements risk.ReliabilitySource. Only the path's own
// window counts unless the directory prior is enabled; ok is false for a
// path that was never deployed.
func (s *Store) Reliability(ctx context.Context, p string) (float64, bool, error) {
	var (
		w     window
		found bool
	)
	keys := []string{pathPrefix + p}
	if s.dirPrior {
		keys = append(keys, dirPrefix+path.Dir(p))
	}
	err := s.db.View(ctx, func(txn *badgerdb.Txn) error {
		for _, key := range keys {
			err := badger.GetJSON(txn, []byte(key), &w)
			if errors.Is(err, badger.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			found = len(w.Results) > 0
			return nil
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	return w.reliability(), true, nil
}

// SaveAssessment stores an assessment under its commit SHA.
func (s *Store) SaveAssessment(ctx context.Context, a risk.Assessment) error {
	if a.CommitSHA == "" {
		return errors.New("assessment has no commit sha")
	}
	return s.db.Update(ctx, func(txn *badgerdb.Txn) error {
		return badger.PutJSON(txn, []byte(assessmentPrefix+a.CommitSHA), a)
	})
}

// Assessments returns the stored assessments for the given SHAs. SHAs
// without an assessment are absent from the map.
func (s *Store) Assessments(ctx context.Context, shas []string) (map[string]risk.Assessment, error) {
	out := make(map[string]risk.Assessment, len(shas))
	err := s.db.View(ctx, func(txn *badgerdb.Txn) error {
		for _, sha := range shas {
			var a risk.Assessment
			err := badger.GetJSON(txn, []byte(assessmentPrefix+sha), &a)
			if errors.Is(err, badger.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[sha] = a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllAssessments returns every stored assessment.
func (s *Store) AllAssessments(ctx context.Context) ([]risk.Assessment, error) {
	var out []risk.Assessment
	err := s.db.View(ctx, func(txn *badgerdb.Txn) error {
		return badger.ScanPrefix(txn, []byte(assessmentPrefix), func(_, value []byte) error {
			var a risk.Assessment
			if err := json.Unmarshal(value, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}
