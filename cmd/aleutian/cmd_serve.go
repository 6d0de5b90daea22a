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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the release control API",
		Long: `Serve the HTTP API used by CI and chat-ops integrations:

  POST /v1/score                    score factors, a commit or a SHA
  POST /v1/plans                    build a plan from an assessment
  POST /v1/rollouts                 start a rollout
  GET  /v1/rollouts/:id             plan snapshot, events and result
  POST /v1/rollouts/:id/approvals   approve a gate
  POST /v1/rollouts/:id/deny        deny a gate
  POST /v1/rollouts/:id/cancel      cancel and roll back
  POST /v1/halt                     cancel every running rollout
  GET  /v1/events                   websocket stream of rollout events
  GET  /metrics                     Prometheus metrics

Running rollouts are cancelled and rolled back on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			scorer, err := risk.NewScorer(a.cfg.Scoring)
			if err != nil {
				return err
			}
			board := rollout.NewApprovalBoard()
			orch, err := a.orchestrator(ctx, board)
			if err != nil {
				return err
			}
			analyzer, err := a.analyzer()
			if err != nil {
				return err
			}
			mgr := rollout.NewManager(ctx, orch, a.haltFile(), a.log)
			defer func() {
				mgr.HaltAll(rollout.ErrHalted)
				mgr.Wait()
			}()

			deps := server.Deps{
				Scorer:     scorer,
				Analyzer:   analyzer,
				Builder:    plan.NewBuilder(),
				Strategies: a.cfg.Strategies,
				Manager:    mgr,
				Approvals:  board,
				History:    a.history,
				Metrics:    a.tel.MetricsHandler(),
			}
			if g := a.graph(); g.IsGitRepo(ctx) {
				deps.Graph = g
			} else {
				a.log.Info("no git repository; scoring by sha disabled", slog.String("repo", g.WorkDir()))
			}

			scfg := server.Config{
				Addr:              a.cfg.Server.Addr,
				ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
				ShutdownTimeout:   a.cfg.Server.ShutdownTimeout,
				Logger:            a.log,
			}
			if addr != "" {
				scfg.Addr = addr
			}
			srv, err := server.New(scfg, deps)
			if err != nil {
				return err
			}
			a.printer.Info("Listening on " + scfg.Addr)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr)")
	return cmd
}
