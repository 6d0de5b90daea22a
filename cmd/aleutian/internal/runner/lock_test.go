// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorktreeLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", LockFileName)
	lock := NewWorktreeLock(path)

	require.NoError(t, lock.Acquire())
	require.NoError(t, lock.Acquire())
	assert.FileExists(t, path)
	assert.Equal(t, os.Getpid(), lock.HolderPID())

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path)
	assert.Zero(t, lock.HolderPID())
}

func TestWorktreeLock_SecondHolderIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	first := NewWorktreeLock(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	err := NewWorktreeLock(path).Acquire()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorktreeBusy))
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, first.Release())
	second := NewWorktreeLock(path)
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestCommandRunner_LockWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	require.NoError(t, exec.Command("git", "-C", dir, "init", "-q").Run())

	r, err := New(DefaultConfig(dir, "true"))
	require.NoError(t, err)

	lock, err := r.LockWorktree(context.Background())
	require.NoError(t, err)
	gitDir, err := filepath.EvalSymlinks(filepath.Join(dir, ".git"))
	require.NoError(t, err)
	lockDir, err := filepath.EvalSymlinks(filepath.Dir(lock.Path()))
	require.NoError(t, err)
	assert.Equal(t, gitDir, lockDir)

	_, err = r.LockWorktree(context.Background())
	assert.ErrorIs(t, err, ErrWorktreeBusy)
	require.NoError(t, lock.Release())
}
