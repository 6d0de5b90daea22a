// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/bisect"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/util"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func newRunner(t *testing.T, dir, command string, checkout bool) *CommandRunner {
	t.Helper()
	cfg := DefaultConfig(dir, command)
	cfg.Checkout = checkout
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func TestCommandRunner_ExitCodes(t *testing.T) {
	requireTool(t, "sh")
	dir := t.TempDir()

	tests := []struct {
		command string
		want    bisect.Verdict
	}{
		{"exit 0", bisect.VerdictGood},
		{"exit 1", bisect.VerdictBad},
		{"exit 127", bisect.VerdictBad},
		{"exit 125", bisect.VerdictSkip},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := newRunner(t, dir, tt.command, false).Run(context.Background(), "abc123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandRunner_HighExitCodeIsInfrastructure(t *testing.T) {
	requireTool(t, "sh")
	r := newRunner(t, t.TempDir(), "echo building; echo segfault >&2; exit 200", false)

	_, err := r.Run(context.Background(), "abc123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, bisect.ErrInfrastructure))

	var cmdErr *util.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 200, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Output, "segfault")
}

func TestCommandRunner_ShaInEnvironment(t *testing.T) {
	requireTool(t, "sh")
	r := newRunner(t, t.TempDir(), `test "$ALEUTIAN_BISECT_SHA" = abc123 && test "$EXTRA" = yes`, false)
	r.cfg.Env = map[string]string{"EXTRA": "yes"}

	got, err := r.Run(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, bisect.VerdictGood, got)
}

func TestCommandRunner_Timeout(t *testing.T) {
	requireTool(t, "sh")
	r := newRunner(t, t.TempDir(), "sleep 5", false)
	r.cfg.Timeout = 50 * time.Millisecond

	_, err := r.Run(context.Background(), "abc123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, bisect.ErrInfrastructure))
}

func TestCommandRunner_SlowSuiteBisects(t *testing.T) {
	requireTool(t, "sh")
	chain := vcs.Chain("c", 5)
	r := newRunner(t, t.TempDir(),
		`sleep 0.3; case "$ALEUTIAN_BISECT_SHA" in c003|c004) exit 1;; esac`, false)

	engine := bisect.NewEngine(bisect.Config{
		RunTimeout: 500 * time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	rep, err := engine.Run(context.Background(), chain[0].SHA, chain[4].SHA,
		vcs.NewMemoryGraph(chain...), r, nil)
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	assert.Equal(t, chain[3].SHA, rep.RootCauseSHA)
	for _, step := range rep.Verdicts {
		assert.NotEqual(t, bisect.VerdictSkip, step.Verdict, step.SHA)
	}
}

func gitRepo(t *testing.T) (string, []string) {
	t.Helper()
	requireTool(t, "git")
	requireTool(t, "sh")
	dir := t.TempDir()

	run := func(args ...string) string {
		cmd := exec.Command("git", append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return strings.TrimSpace(string(out))
	}
	run("init", "--quiet", "-b", "main")

	var shas []string
	for _, state := range []string{"good", "good", "bad"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "state.txt"), []byte(state+"\n"), 0o644))
		run("add", "state.txt")
		run("commit", "--quiet", "--allow-empty", "-m", "state "+state)
		shas = append(shas, run("rev-parse", "HEAD"))
	}
	return dir, shas
}

func TestCommandRunner_ChecksOutCommit(t *testing.T) {
	dir, shas := gitRepo(t)
	r := newRunner(t, dir, "grep -q good state.txt", true)
	ctx := context.Background()

	head, err := r.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", head)

	got, err := r.Run(ctx, shas[1])
	require.NoError(t, err)
	assert.Equal(t, bisect.VerdictGood, got)

	got, err = r.Run(ctx, shas[2])
	require.NoError(t, err)
	assert.Equal(t, bisect.VerdictBad, got)

	require.NoError(t, r.Restore(ctx, head))
	head, err = r.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", head)
}

func TestCommandRunner_CheckoutFailure(t *testing.T) {
	dir, _ := gitRepo(t)
	r := newRunner(t, dir, "true", true)

	_, err := r.Run(context.Background(), "0000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, bisect.ErrInfrastructure))
}

func TestNew_RequiresCommand(t *testing.T) {
	_, err := New(Config{WorkDir: "."})
	assert.Error(t, err)
}

func TestTailWriter(t *testing.T) {
	w := newTailWriter(2)
	_, _ = w.Write([]byte("one\ntwo\nthr"))
	_, _ = w.Write([]byte("ee\nfour"))
	assert.Equal(t, "two\nthree\nfour", w.String())
}
