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
	"strings"
	"time"
)

// AlgorithmVersion is the version of the risk scoring algorithm.
// Increment when making changes that affect risk calculations.
const AlgorithmVersion = "3.0"

// APIVersion is the JSON output API version.
const APIVersion = "1.0"

// Exit codes for the score command.
const (
	ExitSuccess   = 0 // Tier at or below threshold
	ExitRiskFound = 1 // Tier above threshold
	ExitError     = 2 // Error (bad config, git failure)
)

// Default weights for risk factors. They sum to 1.0.
const (
	DefaultWeightCriticalPath    = 0.30
	DefaultWeightMagnitude       = 0.25
	DefaultWeightDomain          = 0.20
	DefaultWeightReliability     = 0.15
	DefaultWeightCoveragePenalty = 0.10
)

// Default tier thresholds on the 0-100 score scale.
const (
	DefaultThresholdMedium   = 30.0
	DefaultThresholdHigh     = 70.0
	DefaultThresholdCritical = 90.0
)

// WeightTolerance is the allowed deviation of the weight sum from 1.0.
const WeightTolerance = 1e-6

// Tier is a discrete risk bucket derived from a score.
type Tier string

const (
	TierLow      Tier = "LOW"
	TierMedium   Tier = "MEDIUM"
	TierHigh     Tier = "HIGH"
	TierCritical Tier = "CRITICAL"
)

var tierOrder = map[Tier]int{
	TierLow:      0,
	TierMedium:   1,
	TierHigh:     2,
	TierCritical: 3,
}

// Tiers lists all tiers in ascending order.
var Tiers = []Tier{TierLow, TierMedium, TierHigh, TierCritical}

// ParseTier parses a string to a Tier. The second result is false for
// unknown values.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return TierLow, true
	case "medium":
		return TierMedium, true
	case "high":
		return TierHigh, true
	case "critical":
		return TierCritical, true
	default:
		return "", false
	}
}

// Exceeds returns true if this tier is strictly above the threshold.
func (t Tier) Exceeds(threshold Tier) bool {
	return tierOrder[t] > tierOrder[threshold]
}

// Order returns the numeric order of this tier.
func (t Tier) Order() int {
	return tierOrder[t]
}

// Max returns the higher of two tiers. An empty tier never wins.
func (t Tier) Max(other Tier) Tier {
	if other == "" {
		return t
	}
	if t == "" || other.Exceeds(t) {
		return other
	}
	return t
}

// Strategy is a deployment strategy selected from a tier.
type Strategy string

const (
	StrategyDirect      Strategy = "DIRECT"
	StrategyCanary      Strategy = "CANARY"
	StrategyBlueGreen   Strategy = "BLUE_GREEN"
	StrategyProgressive Strategy = "PROGRESSIVE"
)

// StrategyFor maps a tier to its deployment strategy. The mapping is total.
func StrategyFor(t Tier) Strategy {
	switch t {
	case TierMedium:
		return StrategyCanary
	case TierHigh:
		return StrategyBlueGreen
	case TierCritical:
		return StrategyProgressive
	default:
		return StrategyDirect
	}
}

// Factor names used as breakdown keys.
const (
	FactorCriticalPath    = "critical_path"
	FactorChangeMagnitude = "change_magnitude"
	FactorDomainSignal    = "domain_signal"
	FactorUnreliability   = "historical_unreliability"
	FactorCoveragePenalty = "test_coverage_penalty"
)

// Factors are the per-commit inputs to the scorer, each on 0-100.
//
// HistoricalReliability is the inverse of the recent failure rate; the
// scorer uses 100 minus it so that unreliable paths raise the score.
type Factors struct {
	CriticalPath          float64 `json:"critical_path_score"`
	ChangeMagnitude       float64 `json:"change_magnitude"`
	DomainSignal          float64 `json:"domain_signal"`
	HistoricalReliability float64 `json:"historical_reliability"`
	TestCoveragePenalty   float64 `json:"test_coverage_penalty"`
}

// Overrides raise scrutiny above what the score alone implies. They can
// never lower the tier or the approval count.
type Overrides struct {
	// DualApproval requests at least two approvals.
	DualApproval bool `json:"dual_approval,omitempty"`

	// MinApprovals is an explicit lower bound on approvals.
	MinApprovals int `json:"min_approvals,omitempty"`

	// TierFloor is a declared minimum tier, e.g. from a Risk-Level trailer.
	TierFloor Tier `json:"tier_floor,omitempty"`
}

// IsZero reports whether no override is set.
func (o Overrides) IsZero() bool {
	return !o.DualApproval && o.MinApprovals <= 0 && o.TierFloor == ""
}

// Contribution explains one factor's share of the score.
type Contribution struct {
	Raw          float64 `json:"raw"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Assessment is the scorer's immutable output for one commit.
type Assessment struct {
	APIVersion        string                  `json:"api_version"`
	AlgorithmVersion  string                  `json:"algorithm_version"`
	CommitSHA         string                  `json:"commit_sha"`
	Score             float64                 `json:"score"`
	Tier              Tier                    `json:"tier"`
	Strategy          Strategy                `json:"strategy"`
	ApprovalsRequired int                     `json:"approvals_required"`
	Factors           Factors                 `json:"factors"`
	Breakdown         map[string]Contribution `json:"breakdown"`
	Overrides         Overrides               `json:"overrides"`
	Domains           []string                `json:"domains,omitempty"`
	Reasons           []string                `json:"reasons,omitempty"`
	Recommendation    string                  `json:"recommendation"`
	AssessedAt        time.Time               `json:"assessed_at"`
}

// Weights holds the weight for each factor.
type Weights struct {
	CriticalPath    float64 `json:"critical_path" yaml:"critical_path"`
	Magnitude       float64 `json:"change_magnitude" yaml:"change_magnitude"`
	Domain          float64 `json:"domain_signal" yaml:"domain_signal"`
	Unreliability   float64 `json:"historical_unreliability" yaml:"historical_unreliability"`
	CoveragePenalty float64 `json:"test_coverage_penalty" yaml:"test_coverage_penalty"`
}

// DefaultWeights returns default weights for risk factors.
func DefaultWeights() Weights {
	return Weights{
		CriticalPath:    DefaultWeightCriticalPath,
		Magnitude:       DefaultWeightMagnitude,
		Domain:          DefaultWeightDomain,
		Unreliability:   DefaultWeightReliability,
		CoveragePenalty: DefaultWeightCoveragePenalty,
	}
}

// Total returns the sum of all weights.
func (w Weights) Total() float64 {
	return w.CriticalPath + w.Magnitude + w.Domain + w.Unreliability + w.CoveragePenalty
}

// Thresholds are the lower bounds of the MEDIUM, HIGH and CRITICAL tiers.
// Buckets are inclusive-low, exclusive-high, except CRITICAL which
// includes 100.
type Thresholds struct {
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// DefaultThresholds returns the default tier thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Medium:   DefaultThresholdMedium,
		High:     DefaultThresholdHigh,
		Critical: DefaultThresholdCritical,
	}
}

// Approvals is the number of approvals required per tier.
type Approvals struct {
	Low      int `json:"low" yaml:"low"`
	Medium   int `json:"medium" yaml:"medium"`
	High     int `json:"high" yaml:"high"`
	Critical int `json:"critical" yaml:"critical"`
}

// DefaultApprovals returns 0/0/1/2.
func DefaultApprovals() Approvals {
	return Approvals{Low: 0, Medium: 0, High: 1, Critical: 2}
}

// For returns the approvals required for a tier.
func (a Approvals) For(t Tier) int {
	switch t {
	case TierMedium:
		return a.Medium
	case TierHigh:
		return a.High
	case TierCritical:
		return a.Critical
	default:
		return a.Low
	}
}

// ScoringConfig configures a Scorer. It is passed explicitly so several
// configurations can coexist in one process.
type ScoringConfig struct {
	Weights    Weights    `json:"weights" yaml:"weights"`
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`
	Approvals  Approvals  `json:"approvals" yaml:"approvals"`
}

// DefaultScoringConfig returns a ScoringConfig with sensible defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights:    DefaultWeights(),
		Thresholds: DefaultThresholds(),
		Approvals:  DefaultApprovals(),
	}
}

// Recommendations for each tier.
var Recommendations = map[Tier]string{
	TierLow:      "Deploy directly; standard review process",
	TierMedium:   "Canary rollout; consider additional testing",
	TierHigh:     "Blue-green rollout with manual cutover approval",
	TierCritical: "Progressive rollout; senior engineer and compliance review required",
}
