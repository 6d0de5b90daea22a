// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchHaltFile cancels a rollout as soon as path exists.
//
// # Description
//
// Operators stop every running rollout on a host by touching the halt
// file. The parent directory is watched with fsnotify; if the file is
// already present, cancel fires immediately. The cancellation cause wraps
// ErrHalted.
//
// # Outputs
//
//   - func(): Stops the watcher. Safe to call more than once.
//   - error: If the watcher could not be started.
func WatchHaltFile(ctx context.Context, path string, cancel context.CancelCauseFunc, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)
	cause := fmt.Errorf("%w: %s exists", ErrHalted, path)

	if _, err := os.Stat(path); err == nil {
		cancel(cause)
		return func() {}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking halt file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating halt watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == path && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
					logger.Warn("halt file detected, cancelling rollout", slog.String("path", path))
					cancel(cause)
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("halt watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = watcher.Close()
			<-done
		})
	}, nil
}
