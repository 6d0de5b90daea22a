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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName is created inside the git directory while a session owns
// the working tree.
const LockFileName = "aleutian-bisect.lock"

// ErrWorktreeBusy means another process holds the working tree lock.
var ErrWorktreeBusy = errors.New("working tree is in use by another bisect session")

// WorktreeLock is an advisory flock(2) lock on a repository's working
// tree. It keeps two sessions from checking out commits under each other.
//
// # Thread Safety
//
// WorktreeLock is NOT safe for concurrent use.
//
// # Limitations
//
//   - Advisory only. Plain git commands ignore it.
//   - The kernel drops the lock when the holder exits, so a crashed
//     session never leaves a stale lock behind.
type WorktreeLock struct {
	path string
	file *os.File
}

// NewWorktreeLock creates an unacquired lock at path.
func NewWorktreeLock(path string) *WorktreeLock {
	return &WorktreeLock{path: path}
}

// Path returns the lock file path.
func (l *WorktreeLock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking.
//
// # Outputs
//
//   - error: ErrWorktreeBusy, wrapped with the holder's pid when known,
//     if another process holds the lock.
func (l *WorktreeLock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid := l.HolderPID(); pid > 0 {
				return fmt.Errorf("%w (pid %d)", ErrWorktreeBusy, pid)
			}
			return ErrWorktreeBusy
		}
		return fmt.Errorf("flock %s: %w", l.path, err)
	}

	// The pid is informational; a failed write does not invalidate the lock.
	_ = file.Truncate(0)
	_, _ = file.Seek(0, 0)
	_, _ = fmt.Fprintf(file, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	l.file = file
	return nil
}

// Release frees the lock and removes the file. Safe to call more than
// once or on an unacquired lock.
func (l *WorktreeLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	return err
}

// HolderPID returns the pid recorded by the current holder, or 0.
func (l *WorktreeLock) HolderPID() int {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(content), "pid=%d", &pid); err != nil {
		return 0
	}
	return pid
}

// LockWorktree acquires the working tree lock of the runner's repository.
// The lock file lives in the git directory so it never shows up as an
// untracked file.
func (r *CommandRunner) LockWorktree(ctx context.Context) (*WorktreeLock, error) {
	gitDir, err := r.git(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return nil, err
	}
	lock := NewWorktreeLock(filepath.Join(gitDir, LockFileName))
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	return lock, nil
}
