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
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/archive"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/bisect"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/runner"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

type bisectOptions struct {
	command       string
	maxIterations int
	timeout       time.Duration
	noCheckout    bool
	incidentType  string
	metric        string
	threshold     float64
	json          bool
	markdown      bool
}

func newBisectCmd(a *app) *cobra.Command {
	var opts bisectOptions
	cmd := &cobra.Command{
		Use:   "bisect <good> <bad>",
		Short: "Find the commit that introduced a regression",
		Long: `Search the first-parent chain from <good> to <bad> for the first commit
that fails the test command.

The command runs in the repository with the commit checked out and
ALEUTIAN_BISECT_SHA set. Exit 0 marks the commit GOOD, 125 marks it
untestable (SKIP) and any other status marks it BAD. Commits with a
higher stored risk score are tested first, so risky changes are
confirmed or cleared early.

Both endpoints are tested before the search. The original checkout is
restored when the session ends.

Exit codes:
  0  root cause found
  1  no single root cause (suspect range reported)
  2  error, including endpoints that do not test GOOD and BAD`,
		Example: `  aleutian bisect v1.4.0 HEAD --cmd "go test ./payments/..."
  aleutian bisect abc123 def456 --cmd ./repro.sh --incident-type latency --metric p99_latency_ms --threshold-value 300 --markdown`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBisect(cmd.Context(), a, opts, args[0], args[1])
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.command, "cmd", "", "Test command (default: bisect.command from config)")
	f.IntVar(&opts.maxIterations, "max-iterations", -1, "Cap on tests between the endpoints (0 = none)")
	f.DurationVar(&opts.timeout, "timeout", 0, "Timeout per test run (default: bisect.run_timeout)")
	f.BoolVar(&opts.noCheckout, "no-checkout", false, "Do not check out each commit; the command handles it")
	f.StringVar(&opts.incidentType, "incident-type", "", "Incident type for the report, e.g. latency, error_rate")
	f.StringVar(&opts.metric, "metric", "", "Metric that regressed")
	f.Float64Var(&opts.threshold, "threshold-value", 0, "Threshold the metric crossed")
	f.BoolVar(&opts.json, "json", false, "Print the report as JSON")
	f.BoolVar(&opts.markdown, "markdown", false, "Print the report as Markdown")
	cmd.MarkFlagsMutuallyExclusive("json", "markdown")
	return cmd
}

func runBisect(ctx context.Context, a *app, opts bisectOptions, goodRev, badRev string) error {
	bcfg := a.cfg.Bisect
	command := opts.command
	if command == "" {
		command = bcfg.Command
	}
	if command == "" {
		return errors.New("no test command: pass --cmd or set bisect.command")
	}

	g := a.graph()
	if !g.IsGitRepo(ctx) {
		return fmt.Errorf("%s is not a git repository", g.WorkDir())
	}
	good, err := g.Resolve(ctx, goodRev)
	if err != nil {
		return err
	}
	bad, err := g.Resolve(ctx, badRev)
	if err != nil {
		return err
	}
	if err := a.openStores(ctx); err != nil {
		return err
	}
	priors, err := a.priors(ctx, g, good, bad)
	if err != nil {
		return err
	}

	rcfg := runner.DefaultConfig(g.WorkDir(), command)
	rcfg.Shell = bcfg.Shell
	rcfg.Checkout = bcfg.Checkout && !opts.noCheckout
	rcfg.Logger = a.log
	cr, err := runner.New(rcfg)
	if err != nil {
		return err
	}
	if rcfg.Checkout {
		lock, err := cr.LockWorktree(ctx)
		if err != nil {
			return err
		}
		defer lock.Release()

		head, err := cr.Head(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := cr.Restore(context.WithoutCancel(ctx), head); err != nil {
				a.printer.Warning("could not restore checkout: " + err.Error())
			}
		}()
	}

	ecfg := bcfg.Engine()
	ecfg.Trail = a.trail
	ecfg.Logger = a.log
	if opts.maxIterations >= 0 {
		ecfg.MaxIterations = opts.maxIterations
	}
	if opts.timeout > 0 {
		ecfg.RunTimeout = opts.timeout
	}
	engine := bisect.NewEngine(ecfg)

	spin := a.printer.NewSpinner("Bisecting " + vcs.Short(good) + ".." + vcs.Short(bad))
	spin.Start()
	var tested atomic.Int32
	progress := bisect.RunnerFunc(func(ctx context.Context, sha string) (bisect.Verdict, error) {
		spin.Update(fmt.Sprintf("Testing %s (run %d)", vcs.Short(sha), tested.Add(1)))
		return cr.Run(ctx, sha)
	})
	rep, err := engine.Run(ctx, good, bad, g, progress, priors, bisect.WithIncident(bisect.Incident{
		Type:      opts.incidentType,
		Metric:    opts.metric,
		Threshold: opts.threshold,
	}))
	spin.Stop()
	if err != nil {
		return err
	}

	if arc, err := a.archiver(ctx); err != nil {
		a.printer.Warning("archive unavailable: " + err.Error())
	} else if arc != nil {
		uris, err := archive.Report(ctx, arc, rep)
		if err != nil {
			a.printer.Warning("archiving report failed: " + err.Error())
		}
		for _, uri := range uris {
			a.log.Info("incident report archived", slog.String("uri", uri))
		}
	}

	switch {
	case opts.json:
		if err := writeJSON(a.out, rep); err != nil {
			return err
		}
	case opts.markdown:
		md, err := rep.Markdown()
		if err != nil {
			return err
		}
		fmt.Fprint(a.out, md)
	default:
		renderReport(a.printer, rep)
	}

	if !rep.Converged {
		return withExitCode(exitFinding, nil)
	}
	return nil
}

// priors returns stored assessments for the commits in good..bad. Commits
// never scored are assessed now and saved, so later sessions reuse them.
func (a *app) priors(ctx context.Context, g vcs.Graph, good, bad string) (map[string]risk.Assessment, error) {
	commits, err := g.Linearize(ctx, good, bad)
	if err != nil {
		// Range errors are reported by the engine.
		return nil, nil
	}
	shas := make([]string, len(commits))
	for i, c := range commits {
		shas[i] = c.SHA
	}
	priors, err := a.history.Assessments(ctx, shas)
	if err != nil {
		return nil, err
	}
	if priors == nil {
		priors = make(map[string]risk.Assessment, len(commits))
	}

	analyzer, err := a.analyzer()
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		if _, ok := priors[c.SHA]; ok {
			continue
		}
		assessment, err := analyzer.Assess(ctx, c)
		if err != nil {
			a.log.Warn("commit not scored", slog.String("sha", c.ShortSHA()), slog.String("error", err.Error()))
			continue
		}
		priors[c.SHA] = assessment
		if err := a.history.SaveAssessment(ctx, assessment); err != nil {
			a.log.Warn("assessment not saved", slog.String("error", err.Error()))
		}
	}
	return priors, nil
}
