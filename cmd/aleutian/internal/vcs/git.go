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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/go-diff/diff"
	"golang.org/x/sync/singleflight"
)

// fieldSep separates fields in git --format output.
const fieldSep = "\x1f"

// GitGraph is a Graph backed by the git command line.
//
// # Description
//
// Commit metadata comes from `git log -1` and line counts from parsing
// `git show --patch` with go-diff. Results are cached per SHA; concurrent
// lookups of the same SHA share one git invocation.
//
// # Thread Safety
//
// GitGraph is safe for concurrent use.
type GitGraph struct {
	workDir string

	mu    sync.RWMutex
	cache map[string]Commit
	group singleflight.Group
}

// NewGitGraph creates a GitGraph for the repository at workDir.
//
// # Inputs
//
//   - workDir: Working directory inside the repository. Must not be empty.
func NewGitGraph(workDir string) *GitGraph {
	return &GitGraph{
		workDir: workDir,
		cache:   make(map[string]Commit),
	}
}

// WorkDir returns the repository directory.
func (g *GitGraph) WorkDir() string {
	return g.workDir
}

// IsGitRepo checks if the working directory is a git repository.
func (g *GitGraph) IsGitRepo(ctx context.Context) bool {
	_, err := g.git(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// Resolve turns a revision expression such as HEAD~3 into a full SHA.
func (g *GitGraph) Resolve(ctx context.Context, rev string) (string, error) {
	out, err := g.git(ctx, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", rev, err)
	}
	return strings.TrimSpace(out), nil
}

// Commit implements Graph.
func (g *GitGraph) Commit(ctx context.Context, sha string) (Commit, error) {
	g.mu.RLock()
	c, ok := g.cache[sha]
	g.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := g.group.Do(sha, func() (any, error) {
		c, err := g.loadCommit(ctx, sha)
		if err != nil {
			return Commit{}, err
		}
		g.mu.Lock()
		g.cache[sha] = c
		g.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return Commit{}, err
	}
	return v.(Commit), nil
}

// Parents implements Graph.
func (g *GitGraph) Parents(ctx context.Context, sha string) ([]string, error) {
	c, err := g.Commit(ctx, sha)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Parents...), nil
}

// Linearize implements Graph using `git rev-list --first-parent`.
func (g *GitGraph) Linearize(ctx context.Context, good, bad string) ([]Commit, error) {
	if _, err := g.git(ctx, "merge-base", "--is-ancestor", good, bad); err != nil {
		return nil, fmt.Errorf("%s..%s: %w", Short(good), Short(bad), ErrNotAncestor)
	}
	out, err := g.git(ctx, "rev-list", "--first-parent", "--reverse", good+".."+bad)
	if err != nil {
		return nil, fmt.Errorf("listing %s..%s: %w", Short(good), Short(bad), err)
	}

	shas := []string{good}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			shas = append(shas, line)
		}
	}
	// rev-list excludes good itself but walks every first-parent commit
	// after it. If good sits on a side branch, the chain will not start
	// at good's child.
	commits := make([]Commit, 0, len(shas))
	for _, sha := range shas {
		c, err := g.Commit(ctx, sha)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// WorkingChanges returns the uncommitted (or staged) changes as a
// synthetic commit so they can be scored before committing.
func (g *GitGraph) WorkingChanges(ctx context.Context, staged bool) (Commit, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff"}
	if staged {
		args = append(args, "--cached")
	}
	patch, err := g.git(ctx, args...)
	if err != nil {
		return Commit{}, err
	}
	files, err := ParsePatch(patch)
	if err != nil {
		return Commit{}, err
	}
	sha := "WORKTREE"
	if staged {
		sha = "INDEX"
	}
	return Commit{SHA: sha, Timestamp: time.Now().UTC(), Files: files}, nil
}

func (g *GitGraph) loadCommit(ctx context.Context, sha string) (Commit, error) {
	format := strings.Join([]string{"%H", "%an", "%at", "%P", "%B"}, fieldSep)
	meta, err := g.git(ctx, "log", "-1", "--format="+format, sha)
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") || strings.Contains(err.Error(), "bad object") {
			return Commit{}, fmt.Errorf("%s: %w", sha, ErrCommitNotFound)
		}
		return Commit{}, err
	}
	parts := strings.SplitN(meta, fieldSep, 5)
	if len(parts) != 5 {
		return Commit{}, fmt.Errorf("unexpected git log output for %s", Short(sha))
	}

	unix, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("parsing commit time for %s: %w", Short(sha), err)
	}

	patch, err := g.git(ctx, "show", "--no-color", "--no-ext-diff", "--first-parent", "--format=", "--patch", sha)
	if err != nil {
		return Commit{}, err
	}
	files, err := ParsePatch(patch)
	if err != nil {
		return Commit{}, fmt.Errorf("parsing patch for %s: %w", Short(sha), err)
	}

	return Commit{
		SHA:       strings.TrimSpace(parts[0]),
		Author:    parts[1],
		Timestamp: time.Unix(unix, 0).UTC(),
		Files:     files,
		Message:   strings.TrimSpace(parts[4]),
		Parents:   strings.Fields(parts[3]),
	}, nil
}

// git runs a git subcommand in the work directory and returns stdout.
func (g *GitGraph) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ParsePatch converts a unified multi-file diff into file deltas.
//
// # Description
//
// Paths have their a/ and b/ prefixes removed. Deleted files are reported
// under their original path. Binary files appear with zero line counts.
func ParsePatch(patch string) ([]FileDelta, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, err
	}

	files := make([]FileDelta, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		name := fd.NewName
		if name == "/dev/null" || name == "" {
			name = fd.OrigName
		}
		delta := FileDelta{Path: stripPrefix(name)}
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					delta.LinesAdded++
				case strings.HasPrefix(line, "-"):
					delta.LinesDeleted++
				}
			}
		}
		files = append(files, delta)
	}
	return files, nil
}

func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
