// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

type scoreOptions struct {
	staged    bool
	worktree  bool
	threshold string
	json      bool
	quiet     bool
	noSave    bool
	explain   bool
}

func newScoreCmd(a *app) *cobra.Command {
	var opts scoreOptions
	cmd := &cobra.Command{
		Use:   "score [rev]",
		Short: "Score a change for deployment risk",
		Long: `Score a commit (default HEAD) or the working tree for deployment risk.

The score combines five factors: critical path membership, change
magnitude, domain keywords, the historical reliability of the touched
paths and missing test coverage. Commit trailers such as
"Risk-Level: High" or "Requires-Dual-Review: true" raise the outcome but
never lower it.

Exit codes:
  0  tier at or below --threshold
  1  tier above --threshold
  2  error`,
		Example: `  aleutian score
  aleutian score HEAD~2 --explain
  aleutian score --staged --threshold medium --quiet`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd.Context(), a, opts, args)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.staged, "staged", false, "Score staged changes instead of a commit")
	f.BoolVar(&opts.worktree, "worktree", false, "Score unstaged working tree changes")
	f.StringVar(&opts.threshold, "threshold", "high", "Highest tier that exits 0: low, medium, high, critical")
	f.BoolVar(&opts.json, "json", false, "Print the assessment as JSON")
	f.BoolVar(&opts.quiet, "quiet", false, "Print nothing; only set the exit code")
	f.BoolVar(&opts.noSave, "no-save", false, "Do not record the assessment")
	f.BoolVar(&opts.explain, "explain", false, "Show the per-factor breakdown")
	cmd.MarkFlagsMutuallyExclusive("staged", "worktree")
	return cmd
}

func runScore(ctx context.Context, a *app, opts scoreOptions, args []string) error {
	threshold, ok := risk.ParseTier(opts.threshold)
	if !ok {
		return fmt.Errorf("invalid --threshold %q", opts.threshold)
	}

	_, assessment, err := a.assess(ctx, firstArg(args, "HEAD"), opts.staged, opts.worktree)
	if err != nil {
		return err
	}

	if !opts.noSave && !isSynthetic(assessment.CommitSHA) {
		if err := a.history.SaveAssessment(ctx, assessment); err != nil {
			a.log.Warn("assessment not saved", "error", err)
		}
	}

	switch {
	case opts.quiet:
	case opts.json:
		if err := writeJSON(a.out, assessment); err != nil {
			return err
		}
	default:
		renderAssessment(a.printer, assessment, opts.explain)
	}

	if assessment.Tier.Exceeds(threshold) {
		return withExitCode(exitFinding, nil)
	}
	return nil
}

// assess resolves rev (or the working changes) and scores it with
// reliability from the local history.
func (a *app) assess(ctx context.Context, rev string, staged, worktree bool) (vcs.Commit, risk.Assessment, error) {
	g := a.graph()
	if !g.IsGitRepo(ctx) {
		return vcs.Commit{}, risk.Assessment{}, fmt.Errorf("%s is not a git repository", g.WorkDir())
	}
	if err := a.openStores(ctx); err != nil {
		return vcs.Commit{}, risk.Assessment{}, err
	}
	analyzer, err := a.analyzer()
	if err != nil {
		return vcs.Commit{}, risk.Assessment{}, err
	}

	var commit vcs.Commit
	if staged || worktree {
		commit, err = g.WorkingChanges(ctx, staged)
		if err == nil && len(commit.Files) == 0 {
			err = errors.New("no changes to score")
		}
	} else {
		var sha string
		if sha, err = g.Resolve(ctx, rev); err == nil {
			commit, err = g.Commit(ctx, sha)
		}
	}
	if err != nil {
		return vcs.Commit{}, risk.Assessment{}, err
	}

	assessment, err := analyzer.Assess(ctx, commit)
	if err != nil {
		return vcs.Commit{}, risk.Assessment{}, fmt.Errorf("scoring %s: %w", vcs.Short(commit.SHA), err)
	}
	return commit, assessment, nil
}

func isSynthetic(sha string) bool {
	return sha == "WORKTREE" || sha == "INDEX"
}

func firstArg(args []string, def string) string {
	if len(args) > 0 {
		return args[0]
	}
	return def
}
