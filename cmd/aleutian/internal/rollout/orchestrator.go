// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/audit"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/history"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/util"
)

// auditSource tags every audit event written by the orchestrator.
const auditSource = "rollout"

// OutcomeRecorder stores finished rollouts so future assessments can use
// the path reliability they imply. *history.Store implements it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o history.Outcome) error
}

// Config configures an Orchestrator.
type Config struct {
	// PollInterval is the time between health probe polls.
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration

	// ProbeFailureBudget is the number of consecutive failed polls after
	// which the stage counts as breached.
	ProbeFailureBudget int

	// TrafficTimeout bounds each forward traffic shift.
	TrafficTimeout time.Duration

	// RollbackTimeout bounds the rollback traffic shift. The rollback runs
	// on a context detached from the caller's cancellation.
	RollbackTimeout time.Duration

	// ApprovalTimeout bounds the wait at an approval gate. Zero waits
	// until the run's context is done. A timeout counts as a denial.
	ApprovalTimeout time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       15 * time.Second,
		ProbeTimeout:       10 * time.Second,
		ProbeFailureBudget: 3,
		TrafficTimeout:     30 * time.Second,
		RollbackTimeout:    time.Minute,
		Logger:             slog.Default(),
		Clock:              time.Now,
	}
}

// Option configures optional Orchestrator collaborators.
type Option func(*Orchestrator)

// WithApprovalGate sets the gate consulted for stages that need approvals.
// Without one, every gated stage is denied.
func WithApprovalGate(g ApprovalGate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithOutcomeRecorder records the outcome of every finished run.
func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(o *Orchestrator) { o.outcomes = r }
}

// WithObserver adds an observer that sees the events of every run.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// Orchestrator executes deployment plans.
//
// # Description
//
// Run walks a plan stage by stage:
//
//  1. If the stage needs approvals, the plan waits in AWAITING_APPROVAL
//     on the ApprovalGate. A denial or timeout rolls back.
//  2. Traffic is shifted to the stage's percentage.
//  3. The HealthProbe is polled every PollInterval. A sample that
//     breaches any of the stage's thresholds rolls back at once. After
//     MinSoak has elapsed and every threshold metric has been evaluated
//     for the stage, the stage is promoted.
//
// After the last promotion the plan is SUCCEEDED.
//
// Rollback shifts traffic to 0% on a context that survives cancellation
// of the run, marks the plan ROLLED_BACK and appends exactly one ROLLBACK
// event. If the rollback shift itself fails the plan is FAILED and a
// *RollbackFailure is returned. Rollbacks are not retried.
//
// Infrastructure failures (a forward traffic shift, the approval gate or
// the audit trail) also return traffic to 0% and end in FAILED.
//
// # Thread Safety
//
// Safe for concurrent use across different plans.
//
// # Limitations
//
//   - Health is judged per sample; there is no smoothing across polls.
//   - Samples tagged with a different stage index are ignored.
type Orchestrator struct {
	probe     HealthProbe
	traffic   TrafficController
	trail     audit.Appender
	gate      ApprovalGate
	outcomes  OutcomeRecorder
	observers []Observer
	cfg       Config
	logger    *slog.Logger
}

// New creates an Orchestrator.
//
// # Inputs
//
//   - probe: Health source. Required.
//   - traffic: Traffic router. Required.
//   - trail: Audit appender. Required.
//   - cfg: Timing configuration. Zero fields take DefaultConfig values.
//
// # Outputs
//
//   - *Orchestrator: Ready to Run.
//   - error: When a required collaborator is missing.
func New(probe HealthProbe, traffic TrafficController, trail audit.Appender, cfg Config, opts ...Option) (*Orchestrator, error) {
	if probe == nil {
		return nil, errors.New("rollout: health probe is required")
	}
	if traffic == nil {
		return nil, errors.New("rollout: traffic controller is required")
	}
	if trail == nil {
		return nil, errors.New("rollout: audit trail is required")
	}

	def := DefaultConfig()
	cfg.PollInterval = util.OrDefault(cfg.PollInterval, def.PollInterval)
	cfg.ProbeTimeout = util.OrDefault(cfg.ProbeTimeout, def.ProbeTimeout)
	if cfg.ProbeFailureBudget <= 0 {
		cfg.ProbeFailureBudget = def.ProbeFailureBudget
	}
	cfg.TrafficTimeout = util.OrDefault(cfg.TrafficTimeout, def.TrafficTimeout)
	// A rollback never gets less time than a forward shift.
	cfg.RollbackTimeout = util.AtLeast(
		util.OrDefault(cfg.RollbackTimeout, def.RollbackTimeout), cfg.TrafficTimeout)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	o := &Orchestrator{
		probe:   probe,
		traffic: traffic,
		trail:   trail,
		gate:    denyGate{},
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "rollout")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes p until it reaches a terminal status.
//
// # Description
//
// p is mutated in place; observers receive clones. Cancelling ctx rolls
// the plan back with reason CANCELLED.
//
// # Outputs
//
//   - Result: Final status, reason and promotion count.
//   - error: Non-nil only when someone has to look: a *RollbackFailure,
//     an infrastructure failure that ended in FAILED, or an audit append
//     that failed after the plan reached its terminal status.
func (o *Orchestrator) Run(ctx context.Context, p *plan.Plan, observers ...Observer) (Result, error) {
	if p == nil {
		return Result{}, errors.New("rollout: nil plan")
	}
	if p.Status != plan.StatusPending {
		return Result{PlanID: p.ID, Status: p.Status, Reason: p.Reason},
			fmt.Errorf("plan %s is %s: %w", p.ID, p.Status, ErrPlanNotPending)
	}

	if f, ok := o.gate.(forgetter); ok {
		defer f.Forget(p.ID)
	}

	ctx, span := startRunSpan(ctx, p)
	defer span.End()

	r := &run{
		o:         o,
		plan:      p,
		observers: append(append([]Observer(nil), o.observers...), observers...),
		start:     o.cfg.Clock(),
		logger:    o.logger.With(slog.String("plan", p.ID), slog.String("version", p.Version)),
	}
	res, err := r.execute(ctx)

	setRunSpanResult(span, res, err)
	recordRunMetrics(ctx, res)
	return res, err
}

// run is the state of one Run call.
type run struct {
	o          *Orchestrator
	plan       *plan.Plan
	observers  []Observer
	start      time.Time
	promotions int
	traffic    float64
	logger     *slog.Logger
}

func (r *run) execute(ctx context.Context) (Result, error) {
	r.logger.Info("rollout started",
		slog.Int("stages", len(r.plan.Stages)),
		slog.String("strategy", string(r.plan.Assessment.Strategy)),
	)
	if err := r.emit(ctx, Event{
		Type:    EventPlanStarted,
		Message: fmt.Sprintf("%d stages, strategy %s", len(r.plan.Stages), r.plan.Assessment.Strategy),
	}); err != nil {
		return r.abort(ctx, ReasonAuditError, err)
	}

	for i, stage := range r.plan.Stages {
		r.plan.CurrentStage = i
		log := r.logger.With(slog.Int("stage", i), slog.String("stage_name", stage.Name))

		if stage.ApprovalsRequired > 0 {
			if e := r.gateStage(ctx, i, stage); e != nil {
				return e.res, e.err
			}
		}

		if r.plan.Status != plan.StatusInProgress {
			r.transition(plan.StatusInProgress, "")
		}

		if err := r.shift(ctx, stage.TrafficPercent); err != nil {
			return r.abort(ctx, ReasonTrafficError, err)
		}
		log.Info("traffic shifted", slog.Float64("percent", stage.TrafficPercent))
		if err := r.emit(ctx, Event{Type: EventTrafficShifted}); err != nil {
			return r.abort(ctx, ReasonAuditError, err)
		}

		stageStart := r.o.cfg.Clock()
		v := r.soak(ctx, i, stage)
		switch {
		case v.cancelled:
			return r.rollback(ctx, ReasonCancelled, nil, causeMessage(ctx))
		case v.breach != nil:
			log.Warn("health threshold breached",
				slog.String("threshold", v.breach.Threshold.String()),
				slog.Float64("observed", v.breach.Sample.Value),
			)
			return r.rollback(ctx, v.reason, v.breach, "")
		}

		r.promotions++
		recordStageMetrics(ctx, r.o.cfg.Clock().Sub(stageStart))
		log.Info("stage promoted")
		if err := r.emit(ctx, Event{Type: EventStagePromoted}); err != nil {
			return r.abort(ctx, ReasonAuditError, err)
		}
	}

	r.transition(plan.StatusSucceeded, "")
	r.recordOutcome(ctx, true)
	res := r.result("")
	r.logger.Info("rollout succeeded", slog.Int("promotions", r.promotions))
	if err := r.emit(ctx, Event{Type: EventSucceeded}); err != nil {
		return res, fmt.Errorf("recording success of plan %s: %w", r.plan.ID, err)
	}
	return res, nil
}

// ending is the final outcome of a run decided before the last stage.
type ending struct {
	res Result
	err error
}

func end(res Result, err error) *ending {
	return &ending{res: res, err: err}
}

// gateStage waits for a stage's approvals. A non-nil ending means the run
// is over.
func (r *run) gateStage(ctx context.Context, i int, stage plan.Stage) *ending {
	r.transition(plan.StatusAwaitingApproval, "")
	if err := r.emit(ctx, Event{
		Type:    EventAwaitingApproval,
		Message: fmt.Sprintf("%d approval(s) required for stage %q", stage.ApprovalsRequired, stage.Name),
	}); err != nil {
		return end(r.abort(ctx, ReasonAuditError, err))
	}

	d, err := r.awaitApproval(ctx, ApprovalRequest{
		PlanID:      r.plan.ID,
		StageIndex:  i,
		StageName:   stage.Name,
		Required:    stage.ApprovalsRequired,
		RequestedAt: r.o.cfg.Clock().UTC(),
	})
	switch {
	case ctx.Err() != nil:
		return end(r.rollback(ctx, ReasonCancelled, nil, causeMessage(ctx)))
	case err != nil:
		return end(r.fail(ctx, ReasonApprovalError, err))
	case !d.Approved:
		r.logger.Warn("approval denied", slog.Int("stage", i), slog.String("reason", d.Reason))
		return end(r.rollback(ctx, ReasonApprovalDenied, nil, d.Reason))
	}

	if err := r.emit(ctx, Event{Type: EventApproved, Approvers: d.Approvers}); err != nil {
		return end(r.abort(ctx, ReasonAuditError, err))
	}
	return nil
}

func (r *run) awaitApproval(ctx context.Context, req ApprovalRequest) (Decision, error) {
	gctx := ctx
	if r.o.cfg.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, r.o.cfg.ApprovalTimeout)
		defer cancel()
	}
	d, err := r.o.gate.Await(gctx, req)
	if err != nil && ctx.Err() == nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
		return Decision{Reason: fmt.Sprintf("approval timed out after %s", r.o.cfg.ApprovalTimeout)}, nil
	}
	return d, err
}

func (r *run) shift(ctx context.Context, percent float64) error {
	tctx, cancel := context.WithTimeout(ctx, r.o.cfg.TrafficTimeout)
	defer cancel()
	if err := r.o.traffic.SetTraffic(tctx, r.plan.Version, percent); err != nil {
		return fmt.Errorf("shifting %s to %g%%: %w", r.plan.Version, percent, err)
	}
	r.traffic = percent
	return nil
}

// verdict is the end of a soak.
type verdict struct {
	breach    *Breach
	reason    string
	cancelled bool
}

// soak polls the probe until the stage may be promoted or must roll back.
//
// A stage is promoted only once MinSoak has passed and every threshold
// metric has been evaluated against a sample for this stage at least
// once. Samples for other stages or for metrics without a threshold are
// not evidence. Once MinSoak has passed, each poll that leaves a
// threshold metric unseen counts against the failure budget so the stage
// cannot wait forever.
func (r *run) soak(ctx context.Context, i int, stage plan.Stage) verdict {
	budget := r.o.cfg.ProbeFailureBudget
	started := r.o.cfg.Clock()
	ticker := time.NewTicker(r.o.cfg.PollInterval)
	defer ticker.Stop()

	seen := make(map[string]bool, len(stage.Thresholds))
	failures := 0
	for {
		samples, err := r.poll(ctx, i)
		if ctx.Err() != nil {
			return verdict{cancelled: true}
		}
		soaked := r.o.cfg.Clock().Sub(started) >= stage.MinSoak

		if err != nil {
			failures++
			recordProbeFailure(ctx)
			r.logger.Warn("health probe failed",
				slog.Int("stage", i),
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)
			if eerr := r.emit(ctx, Event{Type: EventProbeFailure, Reason: ReasonProbeUnavailable, Message: err.Error()}); eerr != nil {
				r.logger.Error("recording probe failure", slog.Int("stage", i), slog.String("error", eerr.Error()))
			}
		} else {
			b, evaluated := firstBreach(i, stage.Thresholds, samples)
			if b != nil {
				return verdict{breach: b, reason: ReasonThresholdBreach}
			}
			for _, m := range evaluated {
				seen[m] = true
			}
			switch {
			case covered(stage.Thresholds, seen):
				failures = 0
			case soaked:
				failures++
				r.logger.Warn("health probe missing threshold metrics",
					slog.Int("stage", i),
					slog.Int("samples", len(samples)),
					slog.Int("evaluated", len(evaluated)),
				)
			}
		}

		if failures >= budget {
			return verdict{
				reason: ReasonProbeUnavailable,
				breach: &Breach{
					Threshold: plan.Threshold{
						Metric:     ProbeAvailabilityMetric,
						Comparator: plan.GreaterOrEqual,
						Limit:      float64(budget),
					},
					Sample: HealthSample{
						Metric:     ProbeAvailabilityMetric,
						Value:      float64(failures),
						StageIndex: i,
						ObservedAt: r.o.cfg.Clock().UTC(),
					},
				},
			}
		}
		if soaked && covered(stage.Thresholds, seen) {
			return verdict{}
		}

		select {
		case <-ctx.Done():
			return verdict{cancelled: true}
		case <-ticker.C:
		}
	}
}

// covered reports whether every threshold metric has been evaluated. A
// stage without thresholds needs one sample of its own.
func covered(thresholds []plan.Threshold, seen map[string]bool) bool {
	if len(thresholds) == 0 {
		return len(seen) > 0
	}
	for _, th := range thresholds {
		if !seen[th.Metric] {
			return false
		}
	}
	return true
}

func (r *run) poll(ctx context.Context, i int) ([]HealthSample, error) {
	pctx, cancel := context.WithTimeout(ctx, r.o.cfg.ProbeTimeout)
	defer cancel()
	samples, err := r.o.probe.Sample(pctx, i)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProbeUnavailable, err)
	}
	return samples, nil
}

// firstBreach returns the first sample of stage i that breaches one of
// the thresholds, and the metrics of the stage's samples that were
// evaluated. NaN values breach. With no thresholds every stage sample
// counts as evaluated.
func firstBreach(i int, thresholds []plan.Threshold, samples []HealthSample) (*Breach, []string) {
	var evaluated []string
	for _, s := range samples {
		if s.StageIndex != i {
			continue
		}
		if len(thresholds) == 0 {
			evaluated = append(evaluated, s.Metric)
			continue
		}
		for _, th := range thresholds {
			if th.Metric != s.Metric {
				continue
			}
			if math.IsNaN(s.Value) || th.Breached(s.Value) {
				return &Breach{Threshold: th, Sample: s}, evaluated
			}
			evaluated = append(evaluated, s.Metric)
		}
	}
	return nil, evaluated
}

// abort ends the run after an infrastructure failure. When the failure is
// really the run's cancellation, it rolls back instead.
func (r *run) abort(ctx context.Context, reason string, cause error) (Result, error) {
	if ctx.Err() != nil {
		return r.rollback(ctx, ReasonCancelled, nil, causeMessage(ctx))
	}
	return r.fail(ctx, reason, cause)
}

// rollback returns all traffic to the previous version and ends the plan
// in ROLLED_BACK, or FAILED if the traffic shift fails.
func (r *run) rollback(ctx context.Context, reason string, breach *Breach, message string) (Result, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.RollbackTimeout)
	defer cancel()

	r.logger.Warn("rolling back",
		slog.Int("stage", r.plan.CurrentStage),
		slog.String("reason", reason),
	)
	if rf := r.restoreTraffic(rctx, reason); rf != nil {
		return r.rollbackFailed(rctx, rf, breach)
	}

	r.transition(plan.StatusRolledBack, reason)
	r.recordOutcome(rctx, false)

	ev := Event{Type: EventRollback, Reason: reason, Message: message}
	if breach != nil {
		th, s := breach.Threshold, breach.Sample
		ev.BreachedThreshold = &th
		ev.Sample = &s
	}
	res := r.result(message)
	res.Breach = breach
	if err := r.emit(rctx, ev); err != nil {
		return res, fmt.Errorf("recording rollback of plan %s: %w", r.plan.ID, err)
	}
	return res, nil
}

// fail returns traffic to the previous version and ends the plan in FAILED.
func (r *run) fail(ctx context.Context, reason string, cause error) (Result, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.RollbackTimeout)
	defer cancel()

	r.logger.Error("rollout failed",
		slog.Int("stage", r.plan.CurrentStage),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	if rf := r.restoreTraffic(rctx, reason); rf != nil {
		res, err := r.rollbackFailed(rctx, rf, nil)
		return res, errors.Join(cause, err)
	}

	r.transition(plan.StatusFailed, reason)
	r.recordOutcome(rctx, false)
	res := r.result(cause.Error())
	if err := r.emit(rctx, Event{Type: EventFailed, Reason: reason, Message: cause.Error()}); err != nil {
		r.logger.Error("recording failure", slog.String("error", err.Error()))
	}
	return res, fmt.Errorf("plan %s failed (%s): %w", r.plan.ID, reason, cause)
}

func (r *run) restoreTraffic(ctx context.Context, trigger string) *RollbackFailure {
	if err := r.o.traffic.SetTraffic(ctx, r.plan.Version, 0); err != nil {
		return &RollbackFailure{
			PlanID:     r.plan.ID,
			Version:    r.plan.Version,
			StageIndex: r.plan.CurrentStage,
			Trigger:    trigger,
			Err:        err,
		}
	}
	r.traffic = 0
	return nil
}

func (r *run) rollbackFailed(ctx context.Context, rf *RollbackFailure, breach *Breach) (Result, error) {
	r.logger.Error("rollback failed, manual intervention required",
		slog.Int("stage", rf.StageIndex),
		slog.String("trigger", rf.Trigger),
		slog.String("error", rf.Err.Error()),
	)
	r.transition(plan.StatusFailed, ReasonRollbackFailed)
	r.recordOutcome(ctx, false)

	res := r.result(rf.Error())
	res.Breach = breach
	if err := r.emit(ctx, Event{Type: EventFailed, Reason: ReasonRollbackFailed, Message: rf.Error()}); err != nil {
		r.logger.Error("recording rollback failure", slog.String("error", err.Error()))
	}
	return res, rf
}

func (r *run) transition(to plan.Status, reason string) {
	if err := r.plan.Transition(to, reason, r.o.cfg.Clock().UTC()); err != nil {
		r.logger.Error("plan transition rejected", slog.String("error", err.Error()))
	}
}

func (r *run) recordOutcome(ctx context.Context, succeeded bool) {
	if r.o.outcomes == nil {
		return
	}
	err := r.o.outcomes.RecordOutcome(ctx, history.Outcome{
		PlanID:    r.plan.ID,
		CommitSHA: r.plan.Assessment.CommitSHA,
		Paths:     r.plan.Paths,
		Succeeded: succeeded,
		Status:    string(r.plan.Status),
		At:        r.o.cfg.Clock().UTC(),
	})
	if err != nil {
		r.logger.Warn("recording outcome", slog.String("error", err.Error()))
	}
}

// emit stamps ev, appends it to the audit trail when it is part of the
// decision trail, and hands it to observers.
func (r *run) emit(ctx context.Context, ev Event) error {
	ev.ID = uuid.NewString()
	ev.PlanID = r.plan.ID
	ev.Status = r.plan.Status
	ev.StageIndex = r.plan.CurrentStage
	ev.TrafficPercent = r.traffic
	ev.Timestamp = r.o.cfg.Clock().UTC()

	var err error
	if ev.audited() {
		_, err = r.o.trail.Append(ctx, toAuditEvent(ev))
	}

	snapshot := r.plan.Clone()
	for _, obs := range r.observers {
		obs.OnEvent(ev, snapshot)
	}
	return err
}

func (r *run) result(message string) Result {
	return Result{
		PlanID:     r.plan.ID,
		Status:     r.plan.Status,
		Reason:     r.plan.Reason,
		Message:    message,
		StageIndex: r.plan.CurrentStage,
		Promotions: r.promotions,
		Duration:   r.o.cfg.Clock().Sub(r.start),
	}
}

func toAuditEvent(ev Event) audit.Event {
	payload := map[string]any{
		"status":          string(ev.Status),
		"stage_index":     ev.StageIndex,
		"traffic_percent": ev.TrafficPercent,
	}
	if ev.Message != "" {
		payload["message"] = ev.Message
	}
	if ev.BreachedThreshold != nil {
		payload["breached_threshold"] = map[string]any{
			"metric":     ev.BreachedThreshold.Metric,
			"comparator": string(ev.BreachedThreshold.Comparator),
			"limit":      ev.BreachedThreshold.Limit,
		}
	}
	if ev.Sample != nil {
		payload["observed_value"] = ev.Sample.Value
	}
	if len(ev.Approvers) > 0 {
		payload["approvers"] = ev.Approvers
	}
	return audit.Event{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Source:    auditSource,
		Subject:   ev.PlanID,
		Reason:    ev.Reason,
		Timestamp: ev.Timestamp,
		Payload:   payload,
	}
}

func causeMessage(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return ""
}

// denyGate is used when no ApprovalGate is configured.
type denyGate struct{}

func (denyGate) Await(context.Context, ApprovalRequest) (Decision, error) {
	return Decision{Reason: "no approval gate configured"}, nil
}
