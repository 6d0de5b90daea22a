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
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/storage/badger"
)

func openTrail(t *testing.T, batchSize int) (*Trail, *badger.DB) {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	trail, err := Open(context.Background(), db, batchSize)
	require.NoError(t, err)
	return trail, db
}

func event(i int) Event {
	return Event{
		Type:    "STAGE_PROMOTED",
		Source:  "rollout",
		Subject: "plan-1",
		Payload: map[string]any{"stage_index": i, "traffic_percent": 10.5},
	}
}

func TestTrail_AppendAndVerify(t *testing.T) {
	trail, _ := openTrail(t, 4)
	ctx := context.Background()

	var prev string
	for i := 0; i < 10; i++ {
		rec, err := trail.Append(ctx, event(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), rec.Index)
		assert.Equal(t, prev, rec.PrevHash)
		assert.NotEmpty(t, rec.Event.ID)
		assert.False(t, rec.Event.Timestamp.IsZero())
		prev = rec.Hash
	}

	report, err := trail.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK, "errors: %v", report.Errors)
	assert.Equal(t, int64(10), report.Total)
	assert.Equal(t, 2, report.RootsChecked)
	assert.Equal(t, prev, report.LastHash)

	roots, err := trail.Roots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, int64(1), roots[0].FromIndex)
	assert.Equal(t, int64(4), roots[0].ToIndex)
	assert.Equal(t, int64(5), roots[1].FromIndex)
}

func TestTrail_ConcurrentAppends(t *testing.T) {
	trail, _ := openTrail(t, 8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := trail.Append(ctx, Event{Type: "E", Source: fmt.Sprintf("w%d", w)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	report, err := trail.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK, "errors: %v", report.Errors)
	assert.Equal(t, int64(80), report.Total)
	assert.Equal(t, 10, report.RootsChecked)
}

func TestTrail_ReopenContinuesChain(t *testing.T) {
	trail, db := openTrail(t, 3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := trail.Append(ctx, event(i))
		require.NoError(t, err)
	}
	lastIndex, lastHash := trail.Head()

	reopened, err := Open(ctx, db, 3)
	require.NoError(t, err)
	idx, hash := reopened.Head()
	assert.Equal(t, lastIndex, idx)
	assert.Equal(t, lastHash, hash)

	for i := 0; i < 2; i++ {
		_, err := reopened.Append(ctx, event(i))
		require.NoError(t, err)
	}
	report, err := reopened.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK, "errors: %v", report.Errors)
	assert.Equal(t, 2, report.RootsChecked)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	trail, _ := openTrail(t, 2)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := trail.Append(ctx, event(i))
		require.NoError(t, err)
	}
	records, err := trail.Records(ctx, 1, 0)
	require.NoError(t, err)
	roots, err := trail.Roots(ctx)
	require.NoError(t, err)

	records[1].Event.Reason = "rewritten"
	report := VerifyChain(records, roots, 2)
	assert.False(t, report.OK)
	assert.Contains(t, strings.Join(report.Errors, "\n"), "hash mismatch at 2")

	records, _ = trail.Records(ctx, 1, 0)
	dropped := append(records[:1:1], records[2:]...)
	report = VerifyChain(dropped, roots, 2)
	assert.False(t, report.OK)
}

func TestTrail_RecordsPaging(t *testing.T) {
	trail, _ := openTrail(t, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := trail.Append(ctx, event(i))
		require.NoError(t, err)
	}
	page, err := trail.Records(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Index)
	assert.Equal(t, int64(3), page[1].Index)
}

func TestTrail_Export(t *testing.T) {
	trail, _ := openTrail(t, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := trail.Append(ctx, event(i))
		require.NoError(t, err)
	}
	var buf bytes.Buffer
	n, err := trail.Export(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

func TestMerkleRoot(t *testing.T) {
	assert.Equal(t, "", MerkleRoot(nil))
	assert.Equal(t, "", MerkleRoot([]string{"zz"}))

	a := hashBytes([]byte("a"))
	b := hashBytes([]byte("b"))
	c := hashBytes([]byte("c"))
	assert.Equal(t, a, MerkleRoot([]string{a}))
	assert.NotEqual(t, MerkleRoot([]string{a, b}), MerkleRoot([]string{b, a}))
	assert.Equal(t, MerkleRoot([]string{a, b, c}), MerkleRoot([]string{a, b, c, c}))
}

func TestStableJSON_KeyOrder(t *testing.T) {
	x, err := StableJSON(map[string]any{"b": 1, "a": []any{"z", true}})
	require.NoError(t, err)
	y, err := StableJSON(map[string]any{"a": []any{"z", true}, "b": 1.0})
	require.NoError(t, err)
	assert.Equal(t, string(x), string(y))
}
