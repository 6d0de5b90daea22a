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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

type planOptions struct {
	version string
	json    bool
	out     string
}

func newPlanCmd(a *app) *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "plan [rev]",
		Short: "Build a deployment plan for a change",
		Long: `Score a commit (default HEAD) and build its staged deployment plan.

The strategy follows the risk tier: LOW deploys directly, MEDIUM uses a
canary, HIGH a blue-green cutover with approval and CRITICAL a
progressive rollout with approval gates. Stage shapes and health
thresholds come from the strategies section of the config.

Use --out to save the plan for a later "aleutian rollout --plan".`,
		Example: `  aleutian plan
  aleutian plan v1.2.3 --version 1.2.3 --out plan.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.buildPlan(cmd.Context(), firstArg(args, "HEAD"), opts.version)
			if err != nil {
				return err
			}
			if opts.out != "" {
				if err := writePlanFile(opts.out, p); err != nil {
					return err
				}
			}
			if opts.json {
				return writeJSON(a.out, p)
			}
			renderPlan(a.printer, p)
			if opts.out != "" {
				a.printer.Muted("Plan written to " + opts.out)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.version, "version", "", "Version label to deploy (default: short commit SHA)")
	f.BoolVar(&opts.json, "json", false, "Print the plan as JSON")
	f.StringVarP(&opts.out, "out", "o", "", "Also write the plan as JSON to this file")
	return cmd
}

// buildPlan scores rev and turns the assessment into a plan carrying the
// commit's paths, so the outcome can be recorded against them.
func (a *app) buildPlan(ctx context.Context, rev, version string) (*plan.Plan, error) {
	commit, assessment, err := a.assess(ctx, rev, false, false)
	if err != nil {
		return nil, err
	}
	if err := a.history.SaveAssessment(ctx, assessment); err != nil {
		a.log.Warn("assessment not saved", "error", err)
	}
	if version == "" {
		version = vcs.Short(commit.SHA)
	}
	p, err := plan.NewBuilder().Build(assessment, version, a.cfg.Strategies)
	if err != nil {
		return nil, err
	}
	p.Paths = commit.Paths()
	return p, nil
}

func writePlanFile(path string, p *plan.Plan) error {
	var buf bytes.Buffer
	if err := writeJSON(&buf, p); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing plan: %w", err)
	}
	return nil
}

// readPlanFile loads a plan written by "plan --out". The plan is
// validated again since the file may have been edited.
func readPlanFile(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("plan %s has no plan_id", path)
	}
	if p.Status != plan.StatusPending {
		return nil, fmt.Errorf("plan %s is %s, not %s", p.ID, p.Status, plan.StatusPending)
	}
	if err := plan.Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
