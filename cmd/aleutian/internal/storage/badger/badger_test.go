// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())

	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return PutJSON(txn, []byte("doc/1"), doc{Name: "a", Count: 1})
	}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db.Close()

	var got doc
	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("doc/1"), &got)
	}))
	assert.Equal(t, doc{Name: "a", Count: 1}, got)
}

func TestJSONHelpers(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		for i := 0; i < 3; i++ {
			if err := PutJSON(txn, []byte(fmt.Sprintf("doc/%d", i)), doc{Name: "d", Count: i}); err != nil {
				return err
			}
		}
		return PutJSON(txn, []byte("other/0"), doc{Name: "o"})
	}))

	var counts []int
	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		return ScanPrefix(txn, []byte("doc/"), func(_, value []byte) error {
			var d doc
			if err := json.Unmarshal(value, &d); err != nil {
				return err
			}
			counts = append(counts, d.Count)
			return nil
		})
	}))
	assert.Equal(t, []int{0, 1, 2}, counts)

	err = db.View(ctx, func(txn *badger.Txn) error {
		var d doc
		return GetJSON(txn, []byte("doc/missing"), &d)
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdate_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = db.Update(ctx, func(*badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err = db.Update(ctx, func(txn *badger.Txn) error {
		if err := PutJSON(txn, []byte("k"), doc{Name: "x"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = db.View(ctx, func(txn *badger.Txn) error {
		var d doc
		return GetJSON(txn, []byte("k"), &d)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
