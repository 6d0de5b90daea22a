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

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
)

type rolloutOptions struct {
	version   string
	planFile  string
	approvers []string
	json      bool
}

func newRolloutCmd(a *app) *cobra.Command {
	var opts rolloutOptions
	cmd := &cobra.Command{
		Use:   "rollout [rev]",
		Short: "Plan and execute a staged rollout",
		Long: `Build the deployment plan for a commit (default HEAD), or load one with
--plan, and execute it stage by stage.

Each stage shifts traffic, then soaks while the health probe is polled.
A sample that breaches a stage threshold rolls traffic back to 0% at
once. Approval gates wait for the approvers given with --approve; a gate
with too few approvers waits until the approval timeout.

Creating the halt file (rollout.halt_file) or pressing Ctrl-C cancels
the rollout and rolls it back.

Exit codes:
  0  rollout succeeded
  1  rollout rolled back
  2  rollout failed or error`,
		Example: `  aleutian rollout --approve alice --approve bob
  aleutian rollout --plan plan.json --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollout(cmd.Context(), a, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.version, "version", "", "Version label to deploy (default: short commit SHA)")
	f.StringVar(&opts.planFile, "plan", "", "Execute a plan written by 'aleutian plan --out'")
	f.StringSliceVar(&opts.approvers, "approve", nil, "Approver identities to record up front (repeatable)")
	f.BoolVar(&opts.json, "json", false, "Print the result as JSON")
	return cmd
}

func runRollout(ctx context.Context, a *app, opts rolloutOptions, args []string) error {
	var (
		p   *plan.Plan
		err error
	)
	if opts.planFile != "" {
		if len(args) > 0 {
			return errors.New("a revision cannot be combined with --plan")
		}
		if p, err = readPlanFile(opts.planFile); err != nil {
			return err
		}
		if err = a.openStores(ctx); err != nil {
			return err
		}
	} else if p, err = a.buildPlan(ctx, firstArg(args, "HEAD"), opts.version); err != nil {
		return err
	}

	board := rollout.NewApprovalBoard()
	for _, approver := range opts.approvers {
		if err := board.Approve(p.ID, approver); err != nil {
			return err
		}
	}
	orch, err := a.orchestrator(ctx, board)
	if err != nil {
		return err
	}
	mgr := rollout.NewManager(ctx, orch, a.haltFile(), a.log)

	if !opts.json {
		renderPlan(a.printer, p)
	}
	events, unsubscribe := mgr.Subscribe(256)
	defer unsubscribe()

	exec, err := mgr.Start(p)
	if err != nil {
		return err
	}
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.PlanID == p.ID && !opts.json {
				renderEvent(a.printer, ev)
			}
		case <-exec.Done():
			done = true
		}
	}
	// Events broadcast just before the run ended may still be buffered.
	for drained := false; !drained; {
		select {
		case ev := <-events:
			if ev.PlanID == p.ID && !opts.json {
				renderEvent(a.printer, ev)
			}
		default:
			drained = true
		}
	}

	res, runErr := exec.Wait(context.WithoutCancel(ctx))
	if opts.json {
		if err := writeJSON(a.out, res); err != nil {
			return err
		}
	} else {
		renderResult(a.printer, res)
	}
	return rolloutExit(res, runErr)
}

func rolloutExit(res rollout.Result, err error) error {
	switch {
	case err != nil:
		return withExitCode(exitError, err)
	case res.Status == plan.StatusSucceeded:
		return nil
	case res.Status == plan.StatusRolledBack:
		return withExitCode(exitFinding, nil)
	default:
		return withExitCode(exitError, fmt.Errorf("rollout %s ended %s: %s", res.PlanID, res.Status, res.Reason))
	}
}
