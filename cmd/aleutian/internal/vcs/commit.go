// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs models commits and the commit graph consumed by the risk
// scorer and the bisect engine.
//
// Commits are immutable values referenced by SHA. A Graph provides
// read-only access to parent relationships and to the linear ordering
// between two commits along the first-parent chain.
package vcs

import (
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrCommitNotFound is returned when a SHA is unknown to the graph.
	ErrCommitNotFound = errors.New("commit not found")

	// ErrNotAncestor is returned by Linearize when good is not reachable
	// from bad along the first-parent chain.
	ErrNotAncestor = errors.New("good commit is not an ancestor of bad commit")
)

// FileDelta is the per-file line delta of a commit.
type FileDelta struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesDeleted int    `json:"lines_deleted"`
}

// Lines returns the total number of changed lines.
func (f FileDelta) Lines() int {
	return f.LinesAdded + f.LinesDeleted
}

// Commit is an immutable record of a single change.
type Commit struct {
	SHA       string      `json:"sha"`
	Author    string      `json:"author"`
	Timestamp time.Time   `json:"timestamp"`
	Files     []FileDelta `json:"files_changed"`
	Message   string      `json:"message"`
	Parents   []string    `json:"parents,omitempty"`
}

// TotalLines returns added plus deleted lines across all files.
func (c Commit) TotalLines() int {
	total := 0
	for _, f := range c.Files {
		total += f.Lines()
	}
	return total
}

// Paths returns the touched paths in commit order.
func (c Commit) Paths() []string {
	paths := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return strings.TrimSpace(subject)
}

// ShortSHA returns the first 8 characters of the SHA.
func (c Commit) ShortSHA() string {
	return Short(c.SHA)
}

// Short abbreviates a SHA for display.
func Short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// testMarkers are filename fragments that identify test files across
// the languages this repository is used with.
var testMarkers = []string{"_test.", ".test.", ".spec.", "test_"}

// IsTestFile reports whether p looks like a test file.
func IsTestFile(p string) bool {
	base := strings.ToLower(path.Base(p))
	for _, m := range testMarkers {
		if strings.Contains(base, m) {
			return true
		}
	}
	dir := "/" + strings.ToLower(path.Dir(p)) + "/"
	return strings.Contains(dir, "/test/") || strings.Contains(dir, "/tests/")
}

// codeExtensions lists source file extensions that count as code for
// test coverage purposes.
var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".kt": true, ".rs": true, ".rb": true, ".cs": true, ".c": true,
	".cc": true, ".cpp": true, ".swift": true, ".scala": true,
}

// IsCodeFile reports whether p is a non-test source file.
func IsCodeFile(p string) bool {
	if IsTestFile(p) {
		return false
	}
	return codeExtensions[strings.ToLower(path.Ext(p))]
}
