// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/storage/badger"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

func openStore(t *testing.T, window int) *Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, window)
}

func TestStore_ReliabilityWindow(t *testing.T) {
	s := openStore(t, 4)
	ctx := context.Background()
	p := "services/payment-gateway/pool.go"

	_, ok, err := s.Reliability(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, succeeded := range []bool{true, false, false, true, true, false} {
		require.NoError(t, s.RecordOutcome(ctx, Outcome{PlanID: "p", Paths: []string{p}, Succeeded: succeeded}))
	}

	// Window keeps the last 4: false, true, true, false.
	v, ok, err := s.Reliability(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50.0, v)
}

func TestStore_NewPathHasNoHistory(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.RecordOutcome(ctx, Outcome{Paths: []string{"svc/old.go"}, Succeeded: true}))
	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordOutcome(ctx, Outcome{Paths: []string{"svc/old.go"}, Succeeded: false}))
	}

	_, ok, err := s.Reliability(ctx, "svc/brand_new.go")
	require.NoError(t, err)
	assert.False(t, ok)

	cfg := risk.DefaultAnalyzerConfig()
	cfg.Reliability = s
	analyzer := risk.NewAnalyzer(risk.MustNewScorer(risk.DefaultScoringConfig()), cfg)
	sig, err := analyzer.Signals(ctx, vcs.Commit{Files: []vcs.FileDelta{{Path: "svc/brand_new.go", LinesAdded: 10}}})
	require.NoError(t, err)
	assert.Equal(t, 100.0, sig.Factors.HistoricalReliability)
}

func TestStore_DirectoryPrior(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewStore(db, 0, WithDirectoryPrior(true))
	ctx := context.Background()

	require.NoError(t, s.RecordOutcome(ctx, Outcome{Paths: []string{"svc/a/one.go"}, Succeeded: false}))
	require.NoError(t, s.RecordOutcome(ctx, Outcome{Paths: []string{"svc/a/two.go"}, Succeeded: true}))

	v, ok, err := s.Reliability(ctx, "svc/a/new.go")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50.0, v)

	v, ok, err = s.Reliability(ctx, "svc/a/one.go")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestStore_FeedsAnalyzer(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.RecordOutcome(ctx, Outcome{Paths: []string{"svc/a/one.go"}, Succeeded: false}))

	cfg := risk.DefaultAnalyzerConfig()
	cfg.Reliability = s
	analyzer := risk.NewAnalyzer(risk.MustNewScorer(risk.DefaultScoringConfig()), cfg)

	sig, err := analyzer.Signals(ctx, vcs.Commit{Files: []vcs.FileDelta{{Path: "svc/a/one.go"}, {Path: "docs/readme.md"}}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sig.Factors.HistoricalReliability)
}

func TestStore_Assessments(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()

	require.Error(t, s.SaveAssessment(ctx, risk.Assessment{}))
	require.NoError(t, s.SaveAssessment(ctx, risk.Assessment{CommitSHA: "a1", Score: 80, Tier: risk.TierHigh}))
	require.NoError(t, s.SaveAssessment(ctx, risk.Assessment{CommitSHA: "b2", Score: 10}))

	got, err := s.Assessments(ctx, []string{"a1", "zz"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 80.0, got["a1"].Score)
	assert.Equal(t, risk.TierHigh, got["a1"].Tier)

	all, err := s.AllAssessments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
