// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traffic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileState is the document written by FileController.
type FileState struct {
	Split     `yaml:",inline"`
	UpdatedAt time.Time `yaml:"updated_at"`
	History   []Split   `yaml:"history,omitempty"`
}

// FileController writes the current split to a YAML file.
//
// Writes go to a temporary file in the same directory followed by a
// rename, so readers never see a partial document. The last MaxHistory
// splits are kept for inspection.
type FileController struct {
	path       string
	maxHistory int
	clock      func() time.Time

	mu sync.Mutex
}

// DefaultMaxHistory is the number of past splits a FileController keeps.
const DefaultMaxHistory = 20

// NewFileController creates a controller writing to path.
func NewFileController(path string) *FileController {
	return &FileController{path: path, maxHistory: DefaultMaxHistory, clock: time.Now}
}

// Path returns the state file path.
func (c *FileController) Path() string {
	return c.path
}

// SetTraffic implements rollout.TrafficController.
func (c *FileController) SetTraffic(ctx context.Context, version string, percent float64) error {
	if err := validate(version, percent); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.read()
	if err != nil {
		return err
	}
	split := Split{Version: version, Percent: percent}
	state.Split = split
	state.UpdatedAt = c.clock().UTC()
	state.History = append(state.History, split)
	if over := len(state.History) - c.maxHistory; over > 0 {
		state.History = state.History[over:]
	}
	return c.write(state)
}

// State reads the current state. A missing file yields a zero state.
func (c *FileController) State() (FileState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

func (c *FileController) read() (FileState, error) {
	var state FileState
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("reading traffic state: %w", err)
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parsing traffic state %s: %w", c.path, err)
	}
	return state, nil
}

func (c *FileController) write(state FileState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating traffic state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".traffic-*.yaml")
	if err != nil {
		return fmt.Errorf("writing traffic state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing traffic state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing traffic state: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replacing traffic state: %w", err)
	}
	return nil
}
