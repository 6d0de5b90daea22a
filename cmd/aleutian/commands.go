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
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
)

// Exit codes shared by all commands. Commands with a verdict (score,
// rollout, bisect, audit verify) return exitFinding when the verdict is
// negative.
const (
	exitOK      = risk.ExitSuccess
	exitFinding = risk.ExitRiskFound
	exitError   = risk.ExitError
)

// exitCodeError carries a specific exit code out of a command. A nil err
// means the command already reported everything it had to say.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

// rootOptions are the persistent flags.
type rootOptions struct {
	configPath  string
	logLevel    string
	logJSON     bool
	personality string
	repo        string
}

// execute runs the CLI with args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{out: stdout, errOut: stderr}
	defer a.close(ctx)

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	code := exitError
	var ce *exitCodeError
	if errors.As(err, &ce) {
		code = ce.code
		if ce.err == nil {
			return code
		}
	}
	if a.printer != nil {
		a.printer.Error(err.Error())
	} else {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "aleutian",
		Short: "Risk-adaptive releases and regression forensics",
		Long: `Aleutian scores every change for deployment risk, turns the score into a
staged rollout plan, drives the rollout with automatic rollback on
unhealthy metrics, and bisects regressions into incident reports.

Configuration is read from ~/.aleutian/release.yaml (or --config, or
$ALEUTIAN_RELEASE_CONFIG). A default file is created on first use.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "Path to the release config file")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&a.opts.logJSON, "log-json", false, "Write console logs as JSON")
	flags.StringVar(&a.opts.personality, "output", "", "Output style: full, minimal, machine (default: detect)")
	flags.StringVarP(&a.opts.repo, "repo", "C", ".", "Path to the git repository")

	root.AddCommand(
		newScoreCmd(a),
		newPlanCmd(a),
		newRolloutCmd(a),
		newBisectCmd(a),
		newAuditCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return root
}
