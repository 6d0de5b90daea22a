// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bisect finds the commit that introduced a regression.
//
// The Engine runs a binary search over the first-parent history between a
// known good and a known bad commit. Instead of always testing the exact
// midpoint it ranks untested candidates by a Prioritizer that mixes
// closeness to the midpoint with the commit's prior risk score, so commits
// already flagged as risky get tested early.
package bisect

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

// Verdict is the outcome of testing one commit.
type Verdict string

const (
	VerdictGood Verdict = "GOOD"
	VerdictBad  Verdict = "BAD"
	VerdictSkip Verdict = "SKIP"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == VerdictGood || v == VerdictBad || v == VerdictSkip
}

// TestRunner decides whether a commit exhibits the regression.
//
// A plain error means the commit could not be judged (a broken build, a
// flaky fixture) and is recorded as SKIP. Errors wrapping ErrInfrastructure
// abort the session instead.
type TestRunner interface {
	Run(ctx context.Context, sha string) (Verdict, error)
}

// ConcurrentRunner is a TestRunner that can judge two commits at the same
// time, for example one that checks each commit out into its own worktree.
// The endpoints of a session are only tested in parallel when the runner
// reports Concurrent() == true; the per-test timeout must not start while a
// test waits for another to finish.
type ConcurrentRunner interface {
	TestRunner
	Concurrent() bool
}

// RunnerFunc adapts a function to TestRunner.
type RunnerFunc func(ctx context.Context, sha string) (Verdict, error)

// Run implements TestRunner.
func (f RunnerFunc) Run(ctx context.Context, sha string) (Verdict, error) {
	return f(ctx, sha)
}

// ErrInfrastructure marks runner failures that say nothing about the
// commit, such as a lost worker or an unreachable repository. They are
// surfaced to the caller and never recorded as SKIP.
var ErrInfrastructure = errors.New("test infrastructure failure")

// InvalidBisectRange means the good/bad labels given by the caller do not
// hold. It is returned before any candidate between them is tested.
type InvalidBisectRange struct {
	GoodSHA     string
	BadSHA      string
	GoodVerdict Verdict
	BadVerdict  Verdict
	Reason      string
}

// Error implements error.
func (e *InvalidBisectRange) Error() string {
	return fmt.Sprintf("invalid bisect range %s..%s: %s (good tested %s, bad tested %s)",
		vcs.Short(e.GoodSHA), vcs.Short(e.BadSHA), e.Reason, e.GoodVerdict, e.BadVerdict)
}

// Session is the state of one investigation.
//
// Candidates is the linearized interval, good first and bad last. Lo is
// the index of the newest commit known GOOD and Hi the oldest known BAD;
// only commits strictly between them can still be the cause.
type Session struct {
	ID         string             `json:"id"`
	GoodSHA    string             `json:"good_sha"`
	BadSHA     string             `json:"bad_sha"`
	Candidates []vcs.Commit       `json:"candidates"`
	Tested     map[string]Verdict `json:"tested"`
	RootCause  string             `json:"root_cause,omitempty"`
	Lo         int                `json:"lo"`
	Hi         int                `json:"hi"`
}

func newSession(id string, commits []vcs.Commit) *Session {
	return &Session{
		ID:         id,
		GoodSHA:    commits[0].SHA,
		BadSHA:     commits[len(commits)-1].SHA,
		Candidates: commits,
		Tested:     make(map[string]Verdict, len(commits)),
		Lo:         0,
		Hi:         len(commits) - 1,
	}
}

// IntervalSize is the number of commits that could be the cause at the
// start of the session.
func (s *Session) IntervalSize() int {
	return len(s.Candidates) - 1
}

// Converged reports whether the newest GOOD and oldest BAD are adjacent.
func (s *Session) Converged() bool {
	return s.Hi-s.Lo == 1
}

// record stores a verdict and narrows the interval.
func (s *Session) record(idx int, v Verdict) {
	s.Tested[s.Candidates[idx].SHA] = v
	switch v {
	case VerdictGood:
		if idx > s.Lo {
			s.Lo = idx
		}
	case VerdictBad:
		if idx < s.Hi {
			s.Hi = idx
		}
	}
	if s.Converged() && s.RootCause == "" {
		s.RootCause = s.Candidates[s.Hi].SHA
	}
}

// open returns the indexes still worth testing: strictly inside (Lo, Hi)
// and never tested.
func (s *Session) open() []int {
	var out []int
	for i := s.Lo + 1; i < s.Hi; i++ {
		if _, done := s.Tested[s.Candidates[i].SHA]; !done {
			out = append(out, i)
		}
	}
	return out
}

// suspects returns the narrowest range known to contain the cause,
// oldest first.
func (s *Session) suspects() []vcs.Commit {
	return s.Candidates[s.Lo+1 : s.Hi+1]
}
