// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner provides the bisect TestRunner that checks out a commit
// and runs a shell command against it.
//
// Exit codes follow git bisect run: 0 is GOOD, 125 is SKIP, 1-127 is BAD.
// Anything else (a signal, an exit code above 127, a command that cannot
// start, or a failed checkout) is an infrastructure error and aborts the
// session.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/bisect"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/util"
)

// ExitSkip is the exit code a test command uses to mark a commit
// untestable.
const ExitSkip = 125

// waitDelay bounds how long Run waits for output after the command is
// killed.
const waitDelay = 500 * time.Millisecond

// ShaEnv is set to the commit under test in the command's environment.
const ShaEnv = "ALEUTIAN_BISECT_SHA"

// Config configures a CommandRunner.
type Config struct {
	// WorkDir is the repository working tree.
	WorkDir string `yaml:"work_dir"`

	// Command is run with Shell -c.
	Command string `yaml:"command" validate:"required"`

	// Shell defaults to sh.
	Shell string `yaml:"shell"`

	// Checkout runs git checkout before each test. Disable it when the
	// command builds the commit itself, e.g. in a separate worktree.
	Checkout bool `yaml:"checkout"`

	// Timeout bounds one command; zero leaves it to the caller's context.
	Timeout time.Duration `yaml:"timeout"`

	// OutputLines is how many trailing output lines are kept for logs and
	// errors.
	OutputLines int `yaml:"output_lines" validate:"gte=0"`

	Env map[string]string `yaml:"env"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a config that checks out each commit and keeps
// 40 lines of output.
func DefaultConfig(workDir, command string) Config {
	return Config{
		WorkDir:     workDir,
		Command:     command,
		Shell:       "sh",
		Checkout:    true,
		OutputLines: 40,
	}
}

// CommandRunner implements bisect.TestRunner with a shell command.
//
// # Thread Safety
//
// Runs are serialized: they share one working tree.
type CommandRunner struct {
	cfg    Config
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a CommandRunner.
func New(cfg Config) (*CommandRunner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("runner: command is required")
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.OutputLines <= 0 {
		cfg.OutputLines = 40
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "bisect-runner")),
	}, nil
}

// Concurrent implements bisect.ConcurrentRunner. Runs share one working
// tree, so the engine must not start two at once.
func (r *CommandRunner) Concurrent() bool { return false }

// Run implements bisect.TestRunner.
func (r *CommandRunner) Run(ctx context.Context, sha string) (bisect.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Checkout {
		if _, err := r.git(ctx, "checkout", "--quiet", "--force", "--detach", sha); err != nil {
			return "", fmt.Errorf("checking out %s: %w: %w", sha, bisect.ErrInfrastructure, err)
		}
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	tail := newTailWriter(r.cfg.OutputLines)
	cmd := exec.CommandContext(runCtx, r.cfg.Shell, "-c", r.cfg.Command)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = r.env(sha)
	cmd.Stdout = tail
	cmd.Stderr = tail
	// Children of the shell may hold the output pipes open after a kill.
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	output := tail.String()
	code := util.ExitCode(err)

	r.logger.Debug("test command finished",
		slog.String("sha", sha),
		slog.Int("exit_code", code),
		slog.Duration("duration", time.Since(start)),
	)

	if ctxErr := runCtx.Err(); ctxErr != nil {
		// Either the caller cancelled or the per-command timeout fired;
		// the engine tells them apart through its own context.
		return "", fmt.Errorf("running test at %s: %w", sha, ctxErr)
	}

	switch {
	case code == 0:
		return bisect.VerdictGood, nil
	case code == ExitSkip:
		return bisect.VerdictSkip, nil
	case code > 0 && code < 128:
		return bisect.VerdictBad, nil
	default:
		return "", fmt.Errorf("%w: %w", bisect.ErrInfrastructure,
			util.NewCommandError(r.cfg.Command, code, output, err))
	}
}

// Head returns the current branch name, or the commit SHA when HEAD is
// detached, so the tree can be restored after a session.
func (r *CommandRunner) Head(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, err := r.git(ctx, "symbolic-ref", "--quiet", "--short", "HEAD"); err == nil {
		return ref, nil
	}
	return r.git(ctx, "rev-parse", "HEAD")
}

// Restore checks out ref, typically the value returned by Head.
func (r *CommandRunner) Restore(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.git(ctx, "checkout", "--quiet", "--force", ref)
	return err
}

func (r *CommandRunner) env(sha string) []string {
	env := append(os.Environ(), ShaEnv+"="+sha)
	for k, v := range r.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (r *CommandRunner) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.cfg.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", util.NewCommandError("git "+strings.Join(args, " "), util.ExitCode(err), stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// tailWriter keeps the last lines written to it.
type tailWriter struct {
	mu      sync.Mutex
	lines   *util.RingBuffer[string]
	partial bytes.Buffer
}

func newTailWriter(n int) *tailWriter {
	return &tailWriter{lines: util.NewRingBuffer[string](n)}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		w.lines.Push(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := w.lines.ToSlice()
	if dropped := w.lines.Dropped(); dropped > 0 {
		lines = append([]string{fmt.Sprintf("... %d earlier lines omitted", dropped)}, lines...)
	}
	if w.partial.Len() > 0 {
		lines = append(lines, w.partial.String())
	}
	return strings.Join(lines, "\n")
}
