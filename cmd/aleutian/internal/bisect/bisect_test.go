// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/audit"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/storage/badger"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

// fakeRunner reports BAD for every commit at or after cause.
type fakeRunner struct {
	mu     sync.Mutex
	index  map[string]int
	cause  int
	errAt  map[int]error
	calls  []string
	verdAt map[int]Verdict
}

func newFakeRunner(chain []vcs.Commit, cause int) *fakeRunner {
	idx := make(map[string]int, len(chain))
	for i, c := range chain {
		idx[c.SHA] = i
	}
	return &fakeRunner{index: idx, cause: cause, errAt: map[int]error{}, verdAt: map[int]Verdict{}}
}

func (f *fakeRunner) Run(_ context.Context, sha string) (Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sha)
	i := f.index[sha]
	if err := f.errAt[i]; err != nil {
		return "", err
	}
	if v, ok := f.verdAt[i]; ok {
		return v, nil
	}
	if i >= f.cause {
		return VerdictBad, nil
	}
	return VerdictGood, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testEngine(cfg Config) *Engine {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.NewID = func() string { return "session-1" }
	return NewEngine(cfg)
}

func loopSteps(rep IncidentReport) []Step {
	var out []Step
	for _, s := range rep.Verdicts {
		if !s.Endpoint {
			out = append(out, s)
		}
	}
	return out
}

func TestRun_FindsEveryCause(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 2, 3, 5, 16, 20, 33} {
		chain := vcs.Chain("c", n+1)
		graph := vcs.NewMemoryGraph(chain...)
		for cause := 1; cause <= n; cause++ {
			runner := newFakeRunner(chain, cause)
			rep, err := testEngine(Config{}).Run(ctx, chain[0].SHA, chain[n].SHA, graph, runner, nil)
			require.NoError(t, err, "n=%d cause=%d", n, cause)

			assert.True(t, rep.Converged, "n=%d cause=%d", n, cause)
			assert.Equal(t, chain[cause].SHA, rep.RootCauseSHA, "n=%d cause=%d", n, cause)
			assert.Equal(t, 1.0, rep.Confidence, "n=%d cause=%d", n, cause)
			assert.LessOrEqual(t, rep.StepsTaken, n, "n=%d cause=%d", n, cause)
			assert.LessOrEqual(t, rep.StepsTaken, rep.TheoreticalMinSteps, "n=%d cause=%d", n, cause)
			assert.Equal(t, []string{chain[cause].SHA}, rep.SuspectRange)
		}
	}
}

func TestRun_TwentyCommitRange(t *testing.T) {
	chain := vcs.Chain("c", 21)
	runner := newFakeRunner(chain, 15)

	rep, err := testEngine(Config{}).Run(context.Background(), chain[0].SHA, chain[20].SHA,
		vcs.NewMemoryGraph(chain...), runner, nil)
	require.NoError(t, err)

	assert.Equal(t, chain[15].SHA, rep.RootCauseSHA)
	assert.Equal(t, 20, rep.IntervalSize)
	assert.Equal(t, 5, rep.TheoreticalMinSteps)
	assert.LessOrEqual(t, rep.StepsTaken, 5)
	assert.Len(t, runner.Calls(), rep.StepsTaken+2)
	assert.Equal(t, "git revert --no-edit "+chain[15].SHA, rep.Remediation.Immediate)
}

func TestRun_RiskyPriorTestedFirst(t *testing.T) {
	chain := vcs.Chain("c", 21)
	runner := newFakeRunner(chain, 15)
	priors := map[string]risk.Assessment{
		chain[15].SHA: {CommitSHA: chain[15].SHA, Score: 100, Tier: risk.TierCritical},
		chain[3].SHA:  {CommitSHA: chain[3].SHA, Score: 10, Tier: risk.TierLow},
	}

	rep, err := testEngine(Config{}).Run(context.Background(), chain[0].SHA, chain[20].SHA,
		vcs.NewMemoryGraph(chain...), runner, priors)
	require.NoError(t, err)

	steps := loopSteps(rep)
	require.NotEmpty(t, steps)
	assert.Equal(t, chain[15].SHA, steps[0].SHA)
	assert.InDelta(t, 0.7, steps[0].Priority, 1e-9)
	assert.Equal(t, chain[15].SHA, rep.RootCauseSHA)
	require.NotNil(t, rep.AffectedAssessment)
	assert.Equal(t, 100.0, rep.AffectedAssessment.Score)
}

func TestRun_InvalidRangeBeforeAnyCandidate(t *testing.T) {
	chain := vcs.Chain("c", 11)
	graph := vcs.NewMemoryGraph(chain...)

	tests := []struct {
		name  string
		setup func(r *fakeRunner)
		good  Verdict
		bad   Verdict
	}{
		{
			name:  "good tests bad",
			setup: func(r *fakeRunner) { r.verdAt[0] = VerdictBad },
			good:  VerdictBad,
			bad:   VerdictBad,
		},
		{
			name:  "bad tests good",
			setup: func(r *fakeRunner) { r.verdAt[10] = VerdictGood },
			good:  VerdictGood,
			bad:   VerdictGood,
		},
		{
			name:  "endpoint skipped",
			setup: func(r *fakeRunner) { r.errAt[0] = errors.New("build failed") },
			good:  VerdictSkip,
			bad:   VerdictBad,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner(chain, 5)
			tt.setup(runner)

			rep, err := testEngine(Config{}).Run(context.Background(), chain[0].SHA, chain[10].SHA, graph, runner, nil)

			var inv *InvalidBisectRange
			require.True(t, errors.As(err, &inv), "got %v", err)
			assert.Equal(t, tt.good, inv.GoodVerdict)
			assert.Equal(t, tt.bad, inv.BadVerdict)
			assert.ElementsMatch(t, []string{chain[0].SHA, chain[10].SHA}, runner.Calls())
			assert.Empty(t, rep.RootCauseSHA)
			assert.Len(t, rep.Verdicts, 2)
		})
	}
}

// serialRunner holds one lock for the whole test, like a runner that
// shares a single working tree.
type serialRunner struct {
	*fakeRunner
	work sync.Mutex
	cost time.Duration
}

func (s *serialRunner) Run(ctx context.Context, sha string) (Verdict, error) {
	s.work.Lock()
	defer s.work.Unlock()
	select {
	case <-time.After(s.cost):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.fakeRunner.Run(ctx, sha)
}

func TestRun_SerialRunnerEndpointsKeepTheirTimeout(t *testing.T) {
	chain := vcs.Chain("c", 5)
	runner := &serialRunner{fakeRunner: newFakeRunner(chain, 3), cost: 60 * time.Millisecond}

	rep, err := testEngine(Config{RunTimeout: 100 * time.Millisecond}).Run(context.Background(),
		chain[0].SHA, chain[4].SHA, vcs.NewMemoryGraph(chain...), runner, nil)
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	assert.Equal(t, chain[3].SHA, rep.RootCauseSHA)
	assert.Equal(t, []string{chain[0].SHA, chain[4].SHA}, runner.Calls()[:2])
}

// pairedRunner only answers once both endpoints are being tested at the
// same time.
type pairedRunner struct {
	*fakeRunner
	arrived sync.WaitGroup
}

func (p *pairedRunner) Concurrent() bool { return true }

func (p *pairedRunner) Run(ctx context.Context, sha string) (Verdict, error) {
	if sha == "c000" || sha == "c004" {
		p.arrived.Done()
		both := make(chan struct{})
		go func() { p.arrived.Wait(); close(both) }()
		select {
		case <-both:
		case <-time.After(time.Second):
			return "", errors.New("endpoints were not tested together")
		}
	}
	return p.fakeRunner.Run(ctx, sha)
}

func TestRun_ConcurrentRunnerTestsEndpointsTogether(t *testing.T) {
	chain := vcs.Chain("c", 5)
	runner := &pairedRunner{fakeRunner: newFakeRunner(chain, 3)}
	runner.arrived.Add(2)

	rep, err := testEngine(Config{}).Run(context.Background(),
		chain[0].SHA, chain[4].SHA, vcs.NewMemoryGraph(chain...), runner, nil)
	require.NoError(t, err)
	assert.Equal(t, chain[3].SHA, rep.RootCauseSHA)
}

func TestRun_InvalidRangeFromGraph(t *testing.T) {
	chain := vcs.Chain("c", 5)
	graph := vcs.NewMemoryGraph(chain...)
	runner := newFakeRunner(chain, 2)
	e := testEngine(Config{})

	var inv *InvalidBisectRange
	_, err := e.Run(context.Background(), chain[4].SHA, chain[1].SHA, graph, runner, nil)
	assert.True(t, errors.As(err, &inv))

	_, err = e.Run(context.Background(), chain[2].SHA, chain[2].SHA, graph, runner, nil)
	assert.True(t, errors.As(err, &inv))
	assert.Empty(t, runner.Calls())

	_, err = e.Run(context.Background(), chain[0].SHA, "missing", graph, runner, nil)
	assert.ErrorIs(t, err, vcs.ErrCommitNotFound)
}

func TestRun_SkipsYieldNarrowestRange(t *testing.T) {
	chain := vcs.Chain("c", 21)
	runner := newFakeRunner(chain, 15)
	runner.errAt[14] = errors.New("flaky build")
	runner.errAt[15] = errors.New("flaky build")

	rep, err := testEngine(Config{}).Run(context.Background(), chain[0].SHA, chain[20].SHA,
		vcs.NewMemoryGraph(chain...), runner, nil)
	require.NoError(t, err)

	assert.False(t, rep.Converged)
	assert.Empty(t, rep.RootCauseSHA)
	assert.Equal(t, []string{chain[14].SHA, chain[15].SHA, chain[16].SHA}, rep.SuspectRange)
	assert.Equal(t, 5, rep.StepsTaken)
	assert.Equal(t, 2, rep.Skipped)
	assert.InDelta(t, (1.0/3)*(1-0.5*0.4), rep.Confidence, 1e-9)
	assert.Contains(t, rep.Reason, "skipped")
	assert.Equal(t, fmt.Sprintf("git revert --no-edit %s^..%s", chain[14].SHA, chain[16].SHA), rep.Remediation.Immediate)

	for _, s := range loopSteps(rep) {
		if s.Verdict == VerdictSkip {
			assert.Equal(t, "flaky build", s.Detail)
		}
	}
}

func TestRun_SkipStillConverges(t *testing.T) {
	chain := vcs.Chain("c", 21)
	runner := newFakeRunner(chain, 15)
	runner.errAt[10] = errors.New("flaky build")

	rep, err := testEngine(Config{}).Run(context.Background(), chain[0].SHA, chain[20].SHA,
		vcs.NewMemoryGraph(chain...), runner, nil)
	require.NoError(t, err)
	assert.Equal(t, chain[15].SHA, rep.RootCauseSHA)
	assert.Equal(t, 1, rep.Skipped)
	assert.Less(t, rep.Confidence, 1.0)
	assert.Greater(t, rep.Confidence, 0.75)
}

func TestRun_IterationBudget(t *testing.T) {
	chain := vcs.Chain("c", 21)
	runner := newFakeRunner(chain, 15)

	rep, err := testEngine(Config{MaxIterations: 2}).Run(context.Background(), chain[0].SHA, chain[20].SHA,
		vcs.NewMemoryGraph(chain...), runner, nil)
	require.NoError(t, err)

	assert.False(t, rep.Converged)
	assert.Equal(t, 2, rep.StepsTaken)
	require.Len(t, rep.SuspectRange, 5)
	assert.Equal(t, chain[11].SHA, rep.SuspectRange[0])
	assert.Equal(t, chain[15].SHA, rep.SuspectRange[4])
	assert.InDelta(t, 0.2, rep.Confidence, 1e-9)
	assert.Contains(t, rep.Reason, "iteration budget of 2 exhausted")
}

func TestRun_InfrastructureErrorAborts(t *testing.T) {
	chain := vcs.Chain("c", 21)
	runner := newFakeRunner(chain, 15)
	runner.errAt[10] = fmt.Errorf("worker lost: %w", ErrInfrastructure)

	rep, err := testEngine(Config{}).Run(context.Background(), chain[0].SHA, chain[20].SHA,
		vcs.NewMemoryGraph(chain...), runner, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.False(t, rep.Converged)
	assert.True(t, strings.HasPrefix(rep.Reason, "aborted: "))
	assert.Equal(t, 0, rep.StepsTaken)
}

func TestRun_CancellationAborts(t *testing.T) {
	chain := vcs.Chain("c", 21)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := newFakeRunner(chain, 15)
	runner := RunnerFunc(func(rctx context.Context, sha string) (Verdict, error) {
		if sha == chain[10].SHA {
			cancel()
			return "", rctx.Err()
		}
		return base.Run(rctx, sha)
	})

	_, err := testEngine(Config{}).Run(ctx, chain[0].SHA, chain[20].SHA, vcs.NewMemoryGraph(chain...), runner, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_UnknownVerdictIsSkip(t *testing.T) {
	chain := vcs.Chain("c", 9)
	runner := newFakeRunner(chain, 6)
	runner.verdAt[4] = Verdict("MAYBE")

	rep, err := testEngine(Config{}).Run(context.Background(), chain[0].SHA, chain[8].SHA,
		vcs.NewMemoryGraph(chain...), runner, nil)
	require.NoError(t, err)
	assert.Equal(t, chain[6].SHA, rep.RootCauseSHA)
	assert.Equal(t, 1, rep.Skipped)
}

func TestRun_CustomPrioritizer(t *testing.T) {
	chain := vcs.Chain("c", 9)
	runner := newFakeRunner(chain, 6)
	oldestFirst := PrioritizerFunc(func(c Candidate) float64 { return -float64(c.Index) })

	rep, err := testEngine(Config{Prioritizer: oldestFirst}).Run(context.Background(), chain[0].SHA, chain[8].SHA,
		vcs.NewMemoryGraph(chain...), runner, nil)
	require.NoError(t, err)
	assert.Equal(t, chain[6].SHA, rep.RootCauseSHA)
	assert.Equal(t, 6, rep.StepsTaken)
}

func TestRun_WritesAuditTrail(t *testing.T) {
	ctx := context.Background()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	trail, err := audit.Open(ctx, db, 8)
	require.NoError(t, err)

	chain := vcs.Chain("c", 17)
	rep, err := testEngine(Config{Trail: trail}).Run(ctx, chain[0].SHA, chain[16].SHA,
		vcs.NewMemoryGraph(chain...), newFakeRunner(chain, 9), nil)
	require.NoError(t, err)

	records, err := trail.Records(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, rep.StepsTaken+2)
	assert.Equal(t, EventStarted, records[0].Event.Type)
	assert.Equal(t, EventCompleted, records[len(records)-1].Event.Type)
	assert.Equal(t, "session-1", records[0].Event.Subject)

	report, err := trail.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestCentrality(t *testing.T) {
	assert.Equal(t, 1.0, Centrality(10, 0, 20))
	assert.Equal(t, 0.5, Centrality(15, 0, 20))
	assert.Equal(t, 0.0, Centrality(0, 0, 20))
	assert.Equal(t, 0.0, Centrality(3, 3, 3))

	p := DefaultPrioritizer()
	assert.InDelta(t, 0.6, p.Priority(Candidate{Index: 10, Lo: 0, Hi: 20}), 1e-9)
	assert.InDelta(t, 0.7, p.Priority(Candidate{Index: 15, Lo: 0, Hi: 20, Prior: &risk.Assessment{Score: 100}}), 1e-9)
	assert.InDelta(t, 0.4, p.Priority(Candidate{Index: 0, Lo: 0, Hi: 20, Prior: &risk.Assessment{Score: 250}}), 1e-9)
}

func TestTheoreticalMinSteps(t *testing.T) {
	for n, want := range map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 16: 4, 17: 5, 20: 5} {
		assert.Equal(t, want, TheoreticalMinSteps(n), "n=%d", n)
	}
}

func TestRemediate(t *testing.T) {
	culprit := vcs.Commit{
		SHA:     "deadbeef00",
		Message: "perf: reuse db query buffers",
		Files: []vcs.FileDelta{
			{Path: "services/payment-gateway/pool.go", LinesAdded: 40},
			{Path: "deploy/values.yaml", LinesAdded: 2},
		},
	}
	rep := IncidentReport{
		Converged:          true,
		RootCauseSHA:       culprit.SHA,
		Incident:           Incident{Type: "performance", Metric: "latency_p99_ms"},
		AffectedAssessment: &risk.Assessment{Score: 22, Tier: risk.TierLow},
	}

	rem := Remediate(rep, []vcs.Commit{culprit})
	assert.Equal(t, "git revert --no-edit deadbeef00", rem.Immediate)
	assert.Contains(t, rem.Preventive, "Add a benchmark for the changed code path and gate merges on it")
	assert.Contains(t, rem.Preventive, "Review query plans and run migrations against a production-sized dataset")
	assert.Contains(t, rem.Preventive, "Validate configuration changes in CI before they reach a rollout")
	assert.Contains(t, rem.Preventive, "Alert on the regressed metric before it breaches its threshold (latency_p99_ms)")
	assert.Contains(t, rem.Preventive, "Recalibrate risk rules: the culprit was scored 22.0 (LOW)")
	assert.Contains(t, rem.Preventive, "Add tests next to the changed code; the culprit changed code without tests")
	assert.Equal(t, "Add a regression test that reproduces this incident", rem.Preventive[len(rem.Preventive)-1])

	rep.AffectedAssessment = &risk.Assessment{Score: 95, Tier: risk.TierCritical}
	rem = Remediate(rep, []vcs.Commit{culprit})
	for _, h := range rem.Preventive {
		assert.NotContains(t, h, "Recalibrate")
	}
}

func TestIncidentReport_Markdown(t *testing.T) {
	chain := vcs.Chain("c", 9)
	rep, err := testEngine(Config{}).Run(context.Background(), chain[0].SHA, chain[8].SHA,
		vcs.NewMemoryGraph(chain...), newFakeRunner(chain, 4), nil)
	require.NoError(t, err)

	md, err := rep.Markdown()
	require.NoError(t, err)
	assert.Contains(t, md, "# Incident Report session-1")
	assert.Contains(t, md, vcs.Short(chain[4].SHA))
	assert.Contains(t, md, "git revert --no-edit "+chain[4].SHA)
	assert.Contains(t, md, "| Commit | Verdict |")
}
