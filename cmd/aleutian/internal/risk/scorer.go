// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import (
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

// Scorer turns Factors into an Assessment.
//
// # Description
//
// Score is a pure, total and deterministic function of its inputs and
// the ScoringConfig captured at construction. It never reads clocks,
// globals or storage.
//
// # Thread Safety
//
// Scorer is immutable after construction and safe for concurrent use.
type Scorer struct {
	cfg ScoringConfig
}

// NewScorer validates cfg and returns a Scorer.
//
// # Inputs
//
//   - cfg: Weights must be non-negative and sum to 1.0 within
//     WeightTolerance. Thresholds must satisfy 0 < Medium < High < Critical <= 100.
//     Approvals must be non-negative and non-decreasing by tier.
//
// # Outputs
//
//   - *Scorer: The scorer.
//   - error: *ConfigError when cfg is invalid.
func NewScorer(cfg ScoringConfig) (*Scorer, error) {
	if err := ValidateScoringConfig(cfg); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// MustNewScorer is NewScorer for configurations known to be valid.
func MustNewScorer(cfg ScoringConfig) *Scorer {
	s, err := NewScorer(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateScoringConfig checks cfg without building a Scorer.
func ValidateScoringConfig(cfg ScoringConfig) error {
	w := cfg.Weights
	named := []struct {
		name  string
		value float64
	}{
		{"weights.critical_path", w.CriticalPath},
		{"weights.change_magnitude", w.Magnitude},
		{"weights.domain_signal", w.Domain},
		{"weights.historical_unreliability", w.Unreliability},
		{"weights.test_coverage_penalty", w.CoveragePenalty},
	}
	for _, n := range named {
		if n.value < 0 || math.IsNaN(n.value) {
			return &ConfigError{Field: n.name, Reason: fmt.Sprintf("must be >= 0, got %v", n.value)}
		}
	}
	if total := w.Total(); math.Abs(total-1.0) > WeightTolerance {
		return &ConfigError{Field: "weights", Reason: fmt.Sprintf("must sum to 1.0, got %.6f", total)}
	}

	t := cfg.Thresholds
	if !(t.Medium > 0 && t.Medium < t.High && t.High < t.Critical && t.Critical <= 100) {
		return &ConfigError{
			Field:  "thresholds",
			Reason: fmt.Sprintf("need 0 < medium < high < critical <= 100, got %v/%v/%v", t.Medium, t.High, t.Critical),
		}
	}

	a := cfg.Approvals
	if a.Low < 0 || a.Medium < a.Low || a.High < a.Medium || a.Critical < a.High {
		return &ConfigError{
			Field:  "approvals",
			Reason: fmt.Sprintf("must be non-negative and non-decreasing by tier, got %d/%d/%d/%d", a.Low, a.Medium, a.High, a.Critical),
		}
	}
	return nil
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() ScoringConfig {
	return s.cfg
}

// Score computes the assessment for a commit.
//
// # Description
//
// score = clamp(0, 100, w1*criticalPath + w2*magnitude + w3*domain +
// w4*(100-reliability) + w5*coveragePenalty). Factor inputs are clamped
// to [0,100] first so malformed values cannot push the score outside the
// scale. The tier comes from the thresholds, then is raised to
// overrides.TierFloor. Strategy follows the final tier. Approvals are the
// tier default raised by overrides.
//
// # Inputs
//
//   - commit: Only the SHA is read.
//   - factors: Raw factor values.
//   - overrides: Scrutiny-raising annotations.
//
// # Outputs
//
//   - Assessment: AssessedAt is left zero so repeated calls are identical.
func (s *Scorer) Score(commit vcs.Commit, factors Factors, overrides Overrides) Assessment {
	w := s.cfg.Weights
	f := Factors{
		CriticalPath:          clamp(factors.CriticalPath),
		ChangeMagnitude:       clamp(factors.ChangeMagnitude),
		DomainSignal:          clamp(factors.DomainSignal),
		HistoricalReliability: clamp(factors.HistoricalReliability),
		TestCoveragePenalty:   clamp(factors.TestCoveragePenalty),
	}

	breakdown := map[string]Contribution{
		FactorCriticalPath:    contribution(f.CriticalPath, w.CriticalPath),
		FactorChangeMagnitude: contribution(f.ChangeMagnitude, w.Magnitude),
		FactorDomainSignal:    contribution(f.DomainSignal, w.Domain),
		FactorUnreliability:   contribution(100-f.HistoricalReliability, w.Unreliability),
		FactorCoveragePenalty: contribution(f.TestCoveragePenalty, w.CoveragePenalty),
	}

	// Fixed summation order keeps float results reproducible.
	score := breakdown[FactorCriticalPath].Contribution +
		breakdown[FactorChangeMagnitude].Contribution +
		breakdown[FactorDomainSignal].Contribution +
		breakdown[FactorUnreliability].Contribution +
		breakdown[FactorCoveragePenalty].Contribution
	score = clamp(score)

	tier := s.TierFor(score).Max(overrides.TierFloor)
	approvals := s.cfg.Approvals.For(tier)
	if overrides.DualApproval && approvals < 2 {
		approvals = 2
	}
	if overrides.MinApprovals > approvals {
		approvals = overrides.MinApprovals
	}

	return Assessment{
		APIVersion:        APIVersion,
		AlgorithmVersion:  AlgorithmVersion,
		CommitSHA:         commit.SHA,
		Score:             score,
		Tier:              tier,
		Strategy:          StrategyFor(tier),
		ApprovalsRequired: approvals,
		Factors:           f,
		Breakdown:         breakdown,
		Overrides:         overrides,
		Recommendation:    Recommendations[tier],
	}
}

// TierFor maps a score to a tier using the configured thresholds.
func (s *Scorer) TierFor(score float64) Tier {
	t := s.cfg.Thresholds
	switch {
	case score >= t.Critical:
		return TierCritical
	case score >= t.High:
		return TierHigh
	case score >= t.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

func contribution(raw, weight float64) Contribution {
	return Contribution{Raw: raw, Weight: weight, Contribution: raw * weight}
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
