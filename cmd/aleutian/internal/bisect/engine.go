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
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/audit"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

// auditSource tags every audit event written by the engine.
const auditSource = "bisect"

// Audit event types.
const (
	EventStarted      = "BISECT_STARTED"
	EventVerdict      = "BISECT_VERDICT"
	EventInvalidRange = "BISECT_INVALID_RANGE"
	EventCompleted    = "BISECT_COMPLETED"
	EventAborted      = "BISECT_ABORTED"
)

// priorityEpsilon treats priorities this close as tied.
const priorityEpsilon = 1e-12

// Config configures an Engine.
type Config struct {
	// MaxIterations caps the tests run between the endpoints. Zero means
	// no cap; the search still ends after at most IntervalSize tests.
	MaxIterations int

	// RunTimeout bounds one TestRunner invocation. A timeout while the
	// session itself is still live is a SKIP.
	RunTimeout time.Duration

	Prioritizer Prioritizer

	// Trail receives one event per verdict and one per outcome. Optional.
	Trail audit.Appender

	Logger *slog.Logger
	Clock  func() time.Time
	NewID  func() string
}

// DefaultConfig returns defaults suitable for full test suites.
func DefaultConfig() Config {
	return Config{
		RunTimeout:  30 * time.Minute,
		Prioritizer: DefaultPrioritizer(),
		Logger:      slog.Default(),
		Clock:       time.Now,
		NewID:       uuid.NewString,
	}
}

// Incident describes what went wrong. It only shapes the report and the
// remediation hints.
type Incident struct {
	Type      string  `json:"type,omitempty"`
	Metric    string  `json:"metric,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// RunOption configures a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	incident Incident
}

// WithIncident attaches incident details to the report.
func WithIncident(in Incident) RunOption {
	return func(o *runOptions) { o.incident = in }
}

// Engine runs bisect sessions.
//
// # Description
//
// Run linearizes good..bad, confirms that good tests GOOD and bad tests
// BAD, then repeatedly tests the highest-priority untested commit between
// the newest GOOD and the oldest BAD. Every test removes one commit from
// the candidate set, so a session never runs more tests than there are
// commits in the interval.
//
// # Thread Safety
//
// Safe for concurrent use. Each Run owns its Session.
//
// # Limitations
//
//   - Only the first-parent chain of bad is searched. A regression that
//     lives on a merged side branch is reported as the merge commit.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine. Zero fields of cfg take defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.Prioritizer == nil {
		cfg.Prioritizer = def.Prioritizer
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.NewID == nil {
		cfg.NewID = def.NewID
	}
	return &Engine{cfg: cfg, logger: cfg.Logger.With(slog.String("component", "bisect"))}
}

// Run searches good..bad for the first bad commit.
//
// # Inputs
//
//   - good: A commit that does not show the regression.
//   - bad: A descendant of good that does.
//   - graph: Commit graph used to linearize the interval.
//   - runner: Decides GOOD, BAD or SKIP for a commit.
//   - priors: Stored assessments by SHA. May be nil.
//
// # Outputs
//
//   - IncidentReport: The root cause, or the narrowest suspect range when
//     SKIPs or MaxIterations prevented convergence.
//   - error: *InvalidBisectRange when the endpoints disagree with their
//     labels, or an error wrapping ErrInfrastructure or the context's
//     error when the session was aborted. The report then carries what
//     was learned so far.
func (e *Engine) Run(ctx context.Context, good, bad string, graph vcs.Graph, runner TestRunner, priors map[string]risk.Assessment, opts ...RunOption) (IncidentReport, error) {
	if graph == nil || runner == nil {
		return IncidentReport{}, errors.New("bisect: graph and runner are required")
	}
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	if good == bad {
		return IncidentReport{GoodSHA: good, BadSHA: bad},
			&InvalidBisectRange{GoodSHA: good, BadSHA: bad, Reason: "good and bad are the same commit"}
	}
	commits, err := graph.Linearize(ctx, good, bad)
	if errors.Is(err, vcs.ErrNotAncestor) {
		return IncidentReport{GoodSHA: good, BadSHA: bad},
			&InvalidBisectRange{GoodSHA: good, BadSHA: bad, Reason: "good is not an ancestor of bad"}
	}
	if err != nil {
		return IncidentReport{GoodSHA: good, BadSHA: bad}, fmt.Errorf("linearizing %s..%s: %w", vcs.Short(good), vcs.Short(bad), err)
	}
	if len(commits) < 2 {
		return IncidentReport{GoodSHA: good, BadSHA: bad},
			&InvalidBisectRange{GoodSHA: good, BadSHA: bad, Reason: "interval is empty"}
	}

	ctx, span := startRunSpan(ctx, good, bad, len(commits)-1)
	defer span.End()

	r := &session{
		e:        e,
		s:        newSession(e.cfg.NewID(), commits),
		runner:   runner,
		priors:   priors,
		incident: ro.incident,
		started:  e.cfg.Clock(),
	}
	r.logger = e.logger.With(slog.String("session", r.s.ID))

	rep, err := r.run(ctx)
	setRunSpanResult(span, rep, err)
	recordSessionMetrics(ctx, rep, err)
	return rep, err
}

// session is the state of one Run call.
type session struct {
	e         *Engine
	s         *Session
	runner    TestRunner
	priors    map[string]risk.Assessment
	incident  Incident
	started   time.Time
	steps     []Step
	endpoints [2]Step
	skipped   int
	logger    *slog.Logger
}

func (r *session) run(ctx context.Context) (IncidentReport, error) {
	r.logger.Info("bisect started",
		slog.String("good", vcs.Short(r.s.GoodSHA)),
		slog.String("bad", vcs.Short(r.s.BadSHA)),
		slog.Int("interval", r.s.IntervalSize()),
	)
	if err := r.audit(ctx, EventStarted, "", map[string]any{
		"good":     r.s.GoodSHA,
		"bad":      r.s.BadSHA,
		"interval": r.s.IntervalSize(),
	}); err != nil {
		return r.abort(ctx, err)
	}

	if rep, err := r.verifyEndpoints(ctx); err != nil {
		return rep, err
	}

	reason := ""
	for !r.s.Converged() {
		if limit := r.e.cfg.MaxIterations; limit > 0 && len(r.steps) >= limit {
			reason = fmt.Sprintf("iteration budget of %d exhausted", limit)
			break
		}
		open := r.s.open()
		if len(open) == 0 {
			reason = "every remaining candidate was skipped"
			break
		}

		idx, priority := r.pick(open)
		step, err := r.test(ctx, idx)
		if err != nil {
			return r.abort(ctx, err)
		}
		step.Iteration = len(r.steps) + 1
		step.Priority = priority
		r.s.record(idx, step.Verdict)
		r.steps = append(r.steps, step)
		if step.Verdict == VerdictSkip {
			r.skipped++
		}
		recordStepMetrics(ctx, step)

		r.logger.Info("commit tested",
			slog.Int("iteration", step.Iteration),
			slog.String("commit", vcs.Short(step.SHA)),
			slog.String("verdict", string(step.Verdict)),
			slog.Float64("priority", priority),
			slog.Int("remaining", r.s.Hi-r.s.Lo-1),
		)
		if err := r.audit(ctx, EventVerdict, step.Detail, map[string]any{
			"sha":       step.SHA,
			"iteration": step.Iteration,
			"verdict":   string(step.Verdict),
			"priority":  priority,
			"lo":        r.s.Candidates[r.s.Lo].SHA,
			"hi":        r.s.Candidates[r.s.Hi].SHA,
		}); err != nil {
			return r.abort(ctx, err)
		}
	}

	rep := r.report(reason)
	if err := r.audit(ctx, EventCompleted, rep.Reason, map[string]any{
		"root_cause":    rep.RootCauseSHA,
		"suspect_range": rep.SuspectRange,
		"confidence":    rep.Confidence,
		"steps":         rep.StepsTaken,
	}); err != nil {
		return rep, fmt.Errorf("recording bisect result: %w", err)
	}
	r.logger.Info("bisect completed",
		slog.String("root_cause", vcs.Short(rep.RootCauseSHA)),
		slog.Int("suspects", len(rep.SuspectRange)),
		slog.Float64("confidence", rep.Confidence),
		slog.Int("steps", rep.StepsTaken),
	)
	return rep, nil
}

// verifyEndpoints tests good and bad before the search. The endpoints
// run one after the other unless the runner is a ConcurrentRunner, so a
// runner that serializes its work never spends one endpoint's timeout
// waiting on the other.
func (r *session) verifyEndpoints(ctx context.Context) (IncidentReport, error) {
	goodStep, badStep, err := r.testEndpoints(ctx)
	if err != nil {
		return r.abort(ctx, err)
	}
	goodStep.Endpoint, badStep.Endpoint = true, true
	r.endpoints = [2]Step{goodStep, badStep}

	if goodStep.Verdict == VerdictGood && badStep.Verdict == VerdictBad {
		r.s.Tested[r.s.GoodSHA] = VerdictGood
		r.s.Tested[r.s.BadSHA] = VerdictBad
		return IncidentReport{}, nil
	}

	inv := &InvalidBisectRange{
		GoodSHA:     r.s.GoodSHA,
		BadSHA:      r.s.BadSHA,
		GoodVerdict: goodStep.Verdict,
		BadVerdict:  badStep.Verdict,
	}
	switch {
	case goodStep.Verdict == VerdictBad:
		inv.Reason = "the good commit already shows the regression"
	case badStep.Verdict == VerdictGood:
		inv.Reason = "the bad commit does not show the regression"
	default:
		inv.Reason = "an endpoint could not be tested"
	}
	r.logger.Warn("invalid bisect range", slog.String("reason", inv.Reason))

	rep := IncidentReport{
		SessionID:    r.s.ID,
		GoodSHA:      r.s.GoodSHA,
		BadSHA:       r.s.BadSHA,
		IntervalSize: r.s.IntervalSize(),
		Reason:       inv.Error(),
		Verdicts:     []Step{goodStep, badStep},
		Incident:     r.incident,
		StartedAt:    r.started.UTC(),
		CompletedAt:  r.e.cfg.Clock().UTC(),
	}
	if err := r.audit(ctx, EventInvalidRange, inv.Reason, map[string]any{
		"good_verdict": string(goodStep.Verdict),
		"bad_verdict":  string(badStep.Verdict),
	}); err != nil {
		return rep, errors.Join(inv, err)
	}
	return rep, inv
}

func (r *session) testEndpoints(ctx context.Context) (Step, Step, error) {
	last := len(r.s.Candidates) - 1
	if cr, ok := r.runner.(ConcurrentRunner); !ok || !cr.Concurrent() {
		goodStep, err := r.test(ctx, 0)
		if err != nil {
			return goodStep, Step{}, err
		}
		badStep, err := r.test(ctx, last)
		return goodStep, badStep, err
	}

	var goodStep, badStep Step
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		goodStep, err = r.test(gctx, 0)
		return err
	})
	g.Go(func() error {
		var err error
		badStep, err = r.test(gctx, last)
		return err
	})
	err := g.Wait()
	return goodStep, badStep, err
}

// pick returns the open candidate with the highest priority.
func (r *session) pick(open []int) (int, float64) {
	mid := float64(r.s.Lo+r.s.Hi) / 2
	best, bestP := -1, 0.0
	for _, idx := range open {
		c := Candidate{Index: idx, Lo: r.s.Lo, Hi: r.s.Hi}
		if a, ok := r.priors[r.s.Candidates[idx].SHA]; ok {
			c.Prior = &a
		}
		p := r.e.cfg.Prioritizer.Priority(c)
		switch {
		case best < 0 || p > bestP+priorityEpsilon:
			best, bestP = idx, p
		case math.Abs(p-bestP) <= priorityEpsilon &&
			math.Abs(float64(idx)-mid) < math.Abs(float64(best)-mid):
			best, bestP = idx, p
		}
	}
	return best, bestP
}

// test runs the runner on one commit. The returned error is fatal to the
// session; ordinary runner errors become SKIP.
func (r *session) test(ctx context.Context, idx int) (Step, error) {
	c := r.s.Candidates[idx]
	step := Step{SHA: c.SHA, Index: idx}

	rctx, cancel := context.WithTimeout(ctx, r.e.cfg.RunTimeout)
	defer cancel()
	start := r.e.cfg.Clock()
	v, err := r.runner.Run(rctx, c.SHA)
	step.Duration = r.e.cfg.Clock().Sub(start)

	switch {
	case err != nil && ctx.Err() != nil:
		return step, fmt.Errorf("testing %s: %w", vcs.Short(c.SHA), context.Cause(ctx))
	case errors.Is(err, ErrInfrastructure):
		return step, fmt.Errorf("testing %s: %w", vcs.Short(c.SHA), err)
	case err != nil:
		step.Verdict = VerdictSkip
		step.Detail = err.Error()
	case !v.Valid():
		step.Verdict = VerdictSkip
		step.Detail = fmt.Sprintf("runner returned unknown verdict %q", v)
	default:
		step.Verdict = v
	}
	return step, nil
}

// abort ends the session after a fatal error.
func (r *session) abort(ctx context.Context, cause error) (IncidentReport, error) {
	r.logger.Error("bisect aborted", slog.String("error", cause.Error()))
	rep := IncidentReport{
		SessionID:    r.s.ID,
		GoodSHA:      r.s.GoodSHA,
		BadSHA:       r.s.BadSHA,
		IntervalSize: r.s.IntervalSize(),
		StepsTaken:   len(r.steps),
		Skipped:      r.skipped,
		Reason:       "aborted: " + cause.Error(),
		Verdicts:     r.verdicts(),
		Incident:     r.incident,
		StartedAt:    r.started.UTC(),
		CompletedAt:  r.e.cfg.Clock().UTC(),
	}
	for _, c := range r.s.suspects() {
		rep.SuspectRange = append(rep.SuspectRange, c.SHA)
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.audit(dctx, EventAborted, cause.Error(), nil); err != nil {
		r.logger.Error("recording abort", slog.String("error", err.Error()))
	}
	return rep, fmt.Errorf("bisect %s aborted: %w", r.s.ID, cause)
}

// report builds the final report of a finished search.
func (r *session) report(stopReason string) IncidentReport {
	suspects := r.s.suspects()
	rep := IncidentReport{
		SessionID:           r.s.ID,
		GoodSHA:             r.s.GoodSHA,
		BadSHA:              r.s.BadSHA,
		IntervalSize:        r.s.IntervalSize(),
		StepsTaken:          len(r.steps),
		TheoreticalMinSteps: TheoreticalMinSteps(r.s.IntervalSize()),
		Skipped:             r.skipped,
		Verdicts:            r.verdicts(),
		Incident:            r.incident,
		StartedAt:           r.started.UTC(),
		CompletedAt:         r.e.cfg.Clock().UTC(),
	}
	for _, c := range suspects {
		rep.SuspectRange = append(rep.SuspectRange, c.SHA)
	}

	density := 0.0
	if len(r.steps) > 0 {
		density = float64(r.skipped) / float64(len(r.steps))
	}

	if r.s.Converged() {
		root := r.s.Candidates[r.s.Hi]
		rep.Converged = true
		rep.RootCauseSHA = root.SHA
		rep.RootCause = &root
		rep.Confidence = 1 - 0.25*density
		rep.Reason = fmt.Sprintf("%s is the first bad commit: %s", root.ShortSHA(), root.Subject())
		if a, ok := r.priors[root.SHA]; ok {
			rep.AffectedAssessment = &a
		}
	} else {
		rep.Confidence = (1 / float64(len(suspects))) * (1 - 0.5*density)
		rep.Reason = fmt.Sprintf("narrowed to %d commits (%s..%s): %s",
			len(suspects), suspects[0].ShortSHA(), suspects[len(suspects)-1].ShortSHA(), stopReason)
		rep.AffectedAssessment = riskiest(suspects, r.priors)
	}
	rep.Remediation = Remediate(rep, suspects)
	return rep
}

func (r *session) verdicts() []Step {
	out := make([]Step, 0, len(r.steps)+2)
	if r.endpoints[0].SHA != "" {
		out = append(out, r.endpoints[0], r.endpoints[1])
	}
	return append(out, r.steps...)
}

func (r *session) audit(ctx context.Context, typ, reason string, payload map[string]any) error {
	if r.e.cfg.Trail == nil {
		return nil
	}
	_, err := r.e.cfg.Trail.Append(ctx, audit.Event{
		Type:      typ,
		Source:    auditSource,
		Subject:   r.s.ID,
		Reason:    reason,
		Timestamp: r.e.cfg.Clock().UTC(),
		Payload:   payload,
	})
	return err
}

// riskiest returns the highest scored prior among commits, or nil.
func riskiest(commits []vcs.Commit, priors map[string]risk.Assessment) *risk.Assessment {
	var best *risk.Assessment
	for _, c := range commits {
		a, ok := priors[c.SHA]
		if !ok {
			continue
		}
		if best == nil || a.Score > best.Score {
			best = &a
		}
	}
	return best
}

// TheoreticalMinSteps is ceil(log2(n)), the tests plain binary search
// needs for n suspects.
func TheoreticalMinSteps(n int) int {
	if n <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n))))
}
