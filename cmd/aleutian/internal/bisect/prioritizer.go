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
	"math"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
)

// Default prioritizer weights.
const (
	DefaultCentralityWeight = 0.6
	DefaultRiskWeight       = 0.4
)

// Candidate is an untested commit offered to a Prioritizer.
type Candidate struct {
	// Index is the position in the linearized interval.
	Index int

	// Lo and Hi bound the current interval (newest GOOD, oldest BAD).
	Lo int
	Hi int

	// Prior is the commit's stored assessment, nil when none exists.
	Prior *risk.Assessment
}

// Prioritizer scores a candidate. The engine tests the highest score
// first; ties go to the candidate nearest the midpoint, then the older one.
// Implementations must be deterministic.
type Prioritizer interface {
	Priority(c Candidate) float64
}

// PrioritizerFunc adapts a function to Prioritizer.
type PrioritizerFunc func(c Candidate) float64

// Priority implements Prioritizer.
func (f PrioritizerFunc) Priority(c Candidate) float64 {
	return f(c)
}

// RiskWeighted is the default Prioritizer:
//
//	priority = CentralityWeight*centrality + RiskWeight*(score/100)
//
// centrality is 1 at the midpoint of (Lo, Hi) and falls linearly to 0 at
// the ends. Commits without a prior contribute no risk term, which makes
// the search plain binary search.
type RiskWeighted struct {
	CentralityWeight float64
	RiskWeight       float64
}

// DefaultPrioritizer returns RiskWeighted with the 0.6/0.4 split.
func DefaultPrioritizer() RiskWeighted {
	return RiskWeighted{CentralityWeight: DefaultCentralityWeight, RiskWeight: DefaultRiskWeight}
}

// Priority implements Prioritizer.
func (p RiskWeighted) Priority(c Candidate) float64 {
	score := 0.0
	if c.Prior != nil {
		score = math.Max(0, math.Min(100, c.Prior.Score))
	}
	return p.CentralityWeight*Centrality(c.Index, c.Lo, c.Hi) + p.RiskWeight*score/100
}

// Centrality is 1 at the midpoint of [lo, hi] and 0 at either end.
func Centrality(idx, lo, hi int) float64 {
	half := float64(hi-lo) / 2
	if half <= 0 {
		return 0
	}
	mid := float64(lo+hi) / 2
	return math.Max(0, 1-math.Abs(float64(idx)-mid)/half)
}
