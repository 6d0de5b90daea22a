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
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/history"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and feed the deployment outcome history",
		Long: `Rollouts record their outcome against every path they touched. The
success rate over the most recent outcomes (storage.history_window) is
the historical reliability factor of the risk score.

Deployments made outside aleutian can be recorded with "history record".`,
	}
	cmd.AddCommand(newHistoryRecordCmd(a), newHistoryShowCmd(a), newHistoryAssessmentsCmd(a))
	return cmd
}

func newHistoryRecordCmd(a *app) *cobra.Command {
	var (
		planID string
		rev    string
		failed bool
	)
	cmd := &cobra.Command{
		Use:   "record [path...]",
		Short: "Record a deployment outcome",
		Long: `Record one deployment outcome for the given paths. With --commit and no
paths, the paths changed by that commit are used.`,
		Example: `  aleutian history record --commit HEAD
  aleutian history record --failed services/payment-gateway/pool.go`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openStores(ctx); err != nil {
				return err
			}
			o := history.Outcome{
				PlanID:    planID,
				Paths:     args,
				Succeeded: !failed,
				Status:    string(plan.StatusSucceeded),
				At:        time.Now().UTC(),
			}
			if failed {
				o.Status = string(plan.StatusRolledBack)
			}
			if rev != "" {
				g := a.graph()
				sha, err := g.Resolve(ctx, rev)
				if err != nil {
					return err
				}
				c, err := g.Commit(ctx, sha)
				if err != nil {
					return err
				}
				o.CommitSHA = sha
				if len(o.Paths) == 0 {
					o.Paths = c.Paths()
				}
			}
			if len(o.Paths) == 0 {
				return errors.New("no paths: pass paths or --commit")
			}
			if o.PlanID == "" {
				o.PlanID = "manual-" + o.At.Format("20060102T150405Z")
			}
			if err := a.history.RecordOutcome(ctx, o); err != nil {
				return err
			}
			a.printer.Success(fmt.Sprintf("recorded %s outcome for %d paths", strings.ToLower(o.Status), len(o.Paths)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&planID, "plan-id", "", "Deployment identifier (default: manual-<timestamp>)")
	f.StringVar(&rev, "commit", "", "Commit that was deployed")
	f.BoolVar(&failed, "failed", false, "Record a failed deployment")
	return cmd
}

func newHistoryShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <path...>",
		Short: "Show the historical reliability of paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openStores(ctx); err != nil {
				return err
			}
			rows := make([][]string, 0, len(args))
			for _, p := range args {
				rel, ok, err := a.history.Reliability(ctx, p)
				if err != nil {
					return err
				}
				source := "recorded"
				if !ok {
					source = "default"
				}
				rows = append(rows, []string{p, fmt.Sprintf("%.1f", rel), source})
			}
			a.printer.Table([]string{"PATH", "RELIABILITY", "SOURCE"}, rows)
			return nil
		},
	}
}

func newHistoryAssessmentsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "assessments",
		Short: "List stored risk assessments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStores(ctx); err != nil {
				return err
			}
			all, err := a.history.AllAssessments(ctx)
			if err != nil {
				return err
			}
			slices.SortFunc(all, func(x, y risk.Assessment) int {
				return y.AssessedAt.Compare(x.AssessedAt)
			})
			if asJSON {
				if all == nil {
					all = []risk.Assessment{}
				}
				return writeJSON(a.out, all)
			}
			rows := make([][]string, 0, len(all))
			for _, as := range all {
				rows = append(rows, []string{
					vcs.Short(as.CommitSHA),
					fmt.Sprintf("%.1f", as.Score),
					string(as.Tier),
					string(as.Strategy),
					as.AssessedAt.Format(time.RFC3339),
				})
			}
			a.printer.Table([]string{"COMMIT", "SCORE", "TIER", "STRATEGY", "ASSESSED"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
