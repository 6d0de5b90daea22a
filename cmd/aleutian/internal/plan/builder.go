// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
)

// planValidate is the validator instance for stage definitions.
// Initialized in init() with custom validators.
var planValidate *validator.Validate

func init() {
	planValidate = validator.New()
	_ = planValidate.RegisterValidation("comparator", validateComparator)
}

func validateComparator(fl validator.FieldLevel) bool {
	return Comparator(fl.Field().String()).Valid()
}

// DefaultThresholds returns the health thresholds applied to stages that
// do not declare their own.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Metric: "error_rate", Comparator: GreaterThan, Limit: 0.01},
		{Metric: "latency_p99_ms", Comparator: GreaterThan, Limit: 500},
	}
}

// StrategyConfig holds per-strategy stage templates.
type StrategyConfig struct {
	// Stages maps a strategy to its stage list. Strategies missing from the
	// map use the built-in defaults.
	Stages map[risk.Strategy][]Stage `json:"stages" yaml:"stages"`

	// Thresholds are applied to every stage without its own thresholds.
	Thresholds []Threshold `json:"thresholds" yaml:"thresholds" validate:"dive"`
}

// DefaultStrategyConfig returns the built-in stage layouts:
//
//	DIRECT       100% (no soak)
//	CANARY       10% -> 50% -> 100%, 5m soaks
//	BLUE_GREEN   green 0% live -> cutover 100% (approval gated)
//	PROGRESSIVE  5% -> 25% -> 50% -> 100%, 15m/30m/1h/2h soaks
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Stages: map[risk.Strategy][]Stage{
			risk.StrategyDirect: {
				{Name: "direct", TrafficPercent: 100},
			},
			risk.StrategyCanary: {
				{Name: "canary-10", TrafficPercent: 10, MinSoak: 5 * time.Minute},
				{Name: "canary-50", TrafficPercent: 50, MinSoak: 5 * time.Minute},
				{Name: "full", TrafficPercent: 100, MinSoak: 5 * time.Minute},
			},
			risk.StrategyBlueGreen: {
				{Name: "green", TrafficPercent: 0, MinSoak: 10 * time.Minute},
				{Name: "cutover", TrafficPercent: 100, MinSoak: 10 * time.Minute},
			},
			risk.StrategyProgressive: {
				{Name: "progressive-5", TrafficPercent: 5, MinSoak: 15 * time.Minute},
				{Name: "progressive-25", TrafficPercent: 25, MinSoak: 30 * time.Minute},
				{Name: "progressive-50", TrafficPercent: 50, MinSoak: time.Hour},
				{Name: "full", TrafficPercent: 100, MinSoak: 2 * time.Hour},
			},
		},
		Thresholds: DefaultThresholds(),
	}
}

// StagesFor returns a copy of the stage template for a strategy, falling
// back to the built-in default.
func (c StrategyConfig) StagesFor(s risk.Strategy) []Stage {
	stages, ok := c.Stages[s]
	if !ok {
		stages = DefaultStrategyConfig().Stages[s]
	}
	out := make([]Stage, len(stages))
	for i, st := range stages {
		st.Thresholds = append([]Threshold(nil), st.Thresholds...)
		out[i] = st
	}
	return out
}

// Validate checks every strategy's stages.
func (c StrategyConfig) Validate() error {
	if err := planValidate.Struct(c); err != nil {
		return &InvalidStrategyConfig{Stage: -1, Reason: describeValidation(err)}
	}
	for _, s := range []risk.Strategy{risk.StrategyDirect, risk.StrategyCanary, risk.StrategyBlueGreen, risk.StrategyProgressive} {
		if err := ValidateStages(s, c.StagesFor(s)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStages checks a stage list for one strategy.
//
// # Outputs
//
//   - error: *InvalidStrategyConfig when the list is empty, any stage is
//     out of range or has a bad threshold, traffic decreases between
//     stages, or the final stage does not reach 100%.
func ValidateStages(strategy risk.Strategy, stages []Stage) error {
	if len(stages) == 0 {
		return &InvalidStrategyConfig{Strategy: strategy, Stage: -1, Reason: "no stages"}
	}
	prev := 0.0
	for i, st := range stages {
		if err := planValidate.Struct(st); err != nil {
			return &InvalidStrategyConfig{Strategy: strategy, Stage: i, Reason: describeValidation(err)}
		}
		if st.TrafficPercent < prev {
			return &InvalidStrategyConfig{
				Strategy: strategy,
				Stage:    i,
				Reason:   fmt.Sprintf("traffic %.4g%% is below previous stage %.4g%%", st.TrafficPercent, prev),
			}
		}
		prev = st.TrafficPercent
	}
	if last := stages[len(stages)-1].TrafficPercent; last != 100 {
		return &InvalidStrategyConfig{
			Strategy: strategy,
			Stage:    len(stages) - 1,
			Reason:   fmt.Sprintf("final stage must reach 100%% traffic, got %.4g%%", last),
		}
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}
	return strings.Join(parts, "; ")
}

// Builder maps assessments to plans.
//
// # Thread Safety
//
// Builder is safe for concurrent use.
type Builder struct {
	newID func() string
	clock func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithIDFunc overrides plan id generation.
func WithIDFunc(f func() string) BuilderOption {
	return func(b *Builder) { b.newID = f }
}

// WithClock overrides the creation timestamp source.
func WithClock(f func() time.Time) BuilderOption {
	return func(b *Builder) { b.clock = f }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		newID: uuid.NewString,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates the plan for an assessment.
//
// # Description
//
// Stages come from cfg for the assessment's strategy. Stages without
// thresholds inherit cfg.Thresholds. Approval gates are then placed:
//
//   - BLUE_GREEN: the cutover (first stage with live traffic after a 0%
//     stage, otherwise the last stage) needs max(1, approvalsRequired).
//   - PROGRESSIVE: the first stage needs approvalsRequired.
//   - any other strategy with approvalsRequired > 0 (raised by an
//     override) gates the first stage.
//
// Gates from cfg are kept when they ask for more approvals.
//
// # Inputs
//
//   - assessment: The triggering assessment.
//   - version: The version being rolled out.
//   - cfg: Strategy stage templates.
//
// # Outputs
//
//   - *Plan: A PENDING plan.
//   - error: *InvalidStrategyConfig if the resulting stages are invalid.
func (b *Builder) Build(assessment risk.Assessment, version string, cfg StrategyConfig) (*Plan, error) {
	strategy := assessment.Strategy
	if strategy == "" {
		strategy = risk.StrategyFor(assessment.Tier)
	}
	stages := cfg.StagesFor(strategy)
	for i := range stages {
		if len(stages[i].Thresholds) == 0 {
			stages[i].Thresholds = append([]Threshold(nil), cfg.Thresholds...)
		}
	}

	if err := ValidateStages(strategy, stages); err != nil {
		return nil, err
	}

	placeGates(strategy, stages, assessment.ApprovalsRequired)

	now := b.clock()
	return &Plan{
		ID:         b.newID(),
		Version:    version,
		Assessment: assessment,
		Stages:     stages,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func placeGates(strategy risk.Strategy, stages []Stage, approvals int) {
	raise := func(i, n int) {
		if n > stages[i].ApprovalsRequired {
			stages[i].ApprovalsRequired = n
		}
	}

	switch strategy {
	case risk.StrategyBlueGreen:
		raise(cutoverIndex(stages), max(1, approvals))
	default:
		if approvals > 0 {
			raise(0, approvals)
		}
	}
}

// cutoverIndex finds the stage that first shifts live traffic after a
// zero-traffic green stage.
func cutoverIndex(stages []Stage) int {
	for i := 1; i < len(stages); i++ {
		if stages[i-1].TrafficPercent == 0 && stages[i].TrafficPercent > 0 {
			return i
		}
	}
	return len(stages) - 1
}

// Validate checks a plan that did not come from Build, such as one read
// back from a file or submitted over the API.
//
// # Description
//
// The stages must pass ValidateStages, and every stage must ask for at
// least the approvals Build would have placed for the plan's strategy
// and assessment. Extra approvals are allowed.
//
// # Outputs
//
//   - error: *InvalidStrategyConfig naming the first offending stage.
func Validate(p *Plan) error {
	strategy := p.Assessment.Strategy
	if strategy == "" {
		strategy = risk.StrategyFor(p.Assessment.Tier)
	}
	if err := ValidateStages(strategy, p.Stages); err != nil {
		return err
	}

	want := make([]Stage, len(p.Stages))
	copy(want, p.Stages)
	for i := range want {
		want[i].ApprovalsRequired = 0
	}
	placeGates(strategy, want, p.Assessment.ApprovalsRequired)

	for i, st := range p.Stages {
		if st.ApprovalsRequired < want[i].ApprovalsRequired {
			return &InvalidStrategyConfig{
				Strategy: strategy,
				Stage:    i,
				Reason: fmt.Sprintf("stage %q asks for %d approvals, %d required",
					st.Name, st.ApprovalsRequired, want[i].ApprovalsRequired),
			}
		}
	}
	return nil
}
