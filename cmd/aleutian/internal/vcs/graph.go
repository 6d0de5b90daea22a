// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"context"
	"fmt"
	"sync"
)

// Graph is read-only access to a commit graph.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Graph interface {
	// Commit returns the commit with the given SHA.
	Commit(ctx context.Context, sha string) (Commit, error)

	// Parents returns the parent SHAs of a commit, first parent first.
	Parents(ctx context.Context, sha string) ([]string, error)

	// Linearize returns the commits from good to bad inclusive, ordered
	// oldest first along the first-parent chain of bad.
	Linearize(ctx context.Context, good, bad string) ([]Commit, error)
}

// MemoryGraph is an in-memory Graph, used for tests and for replaying
// exported histories.
type MemoryGraph struct {
	mu      sync.RWMutex
	commits map[string]Commit
}

// NewMemoryGraph creates a graph from the given commits.
func NewMemoryGraph(commits ...Commit) *MemoryGraph {
	g := &MemoryGraph{commits: make(map[string]Commit, len(commits))}
	for _, c := range commits {
		g.commits[c.SHA] = c
	}
	return g
}

// Add inserts or replaces a commit.
func (g *MemoryGraph) Add(c Commit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits[c.SHA] = c
}

// Commit implements Graph.
func (g *MemoryGraph) Commit(_ context.Context, sha string) (Commit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.commits[sha]
	if !ok {
		return Commit{}, fmt.Errorf("%s: %w", sha, ErrCommitNotFound)
	}
	return c, nil
}

// Parents implements Graph.
func (g *MemoryGraph) Parents(ctx context.Context, sha string) ([]string, error) {
	c, err := g.Commit(ctx, sha)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Parents...), nil
}

// Linearize implements Graph by walking first parents back from bad.
func (g *MemoryGraph) Linearize(ctx context.Context, good, bad string) ([]Commit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var reversed []Commit
	seen := make(map[string]bool)
	sha := bad
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, ok := g.commits[sha]
		if !ok {
			return nil, fmt.Errorf("%s: %w", sha, ErrCommitNotFound)
		}
		if seen[sha] {
			return nil, fmt.Errorf("cycle at %s", Short(sha))
		}
		seen[sha] = true
		reversed = append(reversed, c)
		if sha == good {
			break
		}
		if len(c.Parents) == 0 {
			return nil, fmt.Errorf("%s..%s: %w", Short(good), Short(bad), ErrNotAncestor)
		}
		sha = c.Parents[0]
	}

	out := make([]Commit, len(reversed))
	for i, c := range reversed {
		out[len(reversed)-1-i] = c
	}
	return out, nil
}

// Chain builds n commits linked first-parent, oldest first. SHAs are
// formatted with the given prefix and index. It is a convenience for
// tests and demos.
func Chain(prefix string, n int) []Commit {
	commits := make([]Commit, n)
	for i := range commits {
		commits[i] = Commit{
			SHA:     fmt.Sprintf("%s%03d", prefix, i),
			Message: fmt.Sprintf("change %d", i),
		}
		if i > 0 {
			commits[i].Parents = []string{commits[i-1].SHA}
		}
	}
	return commits
}
