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
	"context"
	"fmt"
	"log/slog"
	"math"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

// DefaultMagnitudeSaturation is the line count at which change magnitude
// reaches 100.
const DefaultMagnitudeSaturation = 1500

// reliabilityLookups bounds concurrent history lookups per commit.
const reliabilityLookups = 8

// DefaultReliability is the optimistic prior for paths with no history.
// New code is not penalised for lacking a track record.
const DefaultReliability = 100.0

// ReliabilitySource reports historical reliability per path.
type ReliabilitySource interface {
	// Reliability returns the 0-100 reliability of a path. ok is false
	// when there is no history for the path.
	Reliability(ctx context.Context, path string) (value float64, ok bool, err error)
}

// AnalyzerConfig configures factor extraction.
type AnalyzerConfig struct {
	CriticalPaths       []PathRule
	Domains             []Domain
	MagnitudeSaturation int

	// Reliability may be nil, in which case every path uses
	// DefaultReliability.
	Reliability ReliabilitySource

	Logger *slog.Logger
	Clock  func() time.Time
}

// DefaultAnalyzerConfig returns an AnalyzerConfig with built-in rules.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		CriticalPaths:       DefaultCriticalPaths(),
		Domains:             DefaultDomains(),
		MagnitudeSaturation: DefaultMagnitudeSaturation,
	}
}

// Analyzer derives Factors and Overrides from a commit and scores it.
//
// # Thread Safety
//
// Analyzer is safe for concurrent use.
type Analyzer struct {
	cfg    AnalyzerConfig
	scorer *Scorer
	logger *slog.Logger
	clock  func() time.Time
}

// NewAnalyzer creates an Analyzer that scores with the given scorer.
func NewAnalyzer(scorer *Scorer, cfg AnalyzerConfig) *Analyzer {
	if cfg.MagnitudeSaturation <= 0 {
		cfg.MagnitudeSaturation = DefaultMagnitudeSaturation
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Analyzer{cfg: cfg, scorer: scorer, logger: logger, clock: clock}
}

// Signals is the analyzer's view of a commit before scoring.
type Signals struct {
	Factors   Factors
	Overrides Overrides
	Domains   []string
	Reasons   []string
}

// Assess extracts signals from the commit and scores them.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - commit: The commit to assess.
//
// # Outputs
//
//   - Assessment: Scored assessment with AssessedAt set.
//   - error: Non-nil if the reliability source fails.
func (a *Analyzer) Assess(ctx context.Context, commit vcs.Commit) (Assessment, error) {
	ctx, span := startAssessSpan(ctx, commit.SHA)
	defer span.End()
	start := time.Now()

	sig, err := a.Signals(ctx, commit)
	if err != nil {
		span.RecordError(err)
		return Assessment{}, err
	}

	assessment := a.scorer.Score(commit, sig.Factors, sig.Overrides)
	assessment.Domains = sig.Domains
	assessment.Reasons = sig.Reasons
	assessment.AssessedAt = a.clock()

	setAssessSpanResult(span, assessment)
	recordAssessMetrics(ctx, time.Since(start), assessment)
	a.logger.Debug("risk assessed",
		slog.String("commit", vcs.Short(commit.SHA)),
		slog.Float64("score", assessment.Score),
		slog.String("tier", string(assessment.Tier)),
		slog.String("strategy", string(assessment.Strategy)),
	)
	return assessment, nil
}

// Signals computes factors, overrides and matched domains for a commit.
func (a *Analyzer) Signals(ctx context.Context, commit vcs.Commit) (Signals, error) {
	if ctx == nil {
		return Signals{}, fmt.Errorf("ctx must not be nil")
	}
	trailers := vcs.ParseTrailers(commit.Message)
	paths := commit.Paths()

	var sig Signals
	sig.Overrides = OverridesFromTrailers(trailers)

	critical, criticalReason := a.criticalPathScore(paths, trailers.Get(vcs.TrailerService))
	sig.Factors.CriticalPath = critical
	if criticalReason != "" {
		sig.Reasons = append(sig.Reasons, criticalReason)
	}

	lines := commit.TotalLines()
	sig.Factors.ChangeMagnitude = ChangeMagnitude(lines, a.cfg.MagnitudeSaturation)
	if lines > 0 {
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("%d lines changed across %d files", lines, len(commit.Files)))
	}

	var hinted []string
	if trailers.Flag(vcs.TrailerPHIImpact) {
		hinted = append(hinted, "HIPAA")
	}
	if trailers.Flag(vcs.TrailerClinicalSafety) {
		hinted = append(hinted, "FDA")
	}
	if c := trailers.Get(vcs.TrailerCompliance); c != "" {
		hinted = append(hinted, strings.Split(c, ",")...)
	}
	sig.Domains, sig.Factors.DomainSignal = matchDomains(a.cfg.Domains, paths, commit.Message, hinted)
	if len(sig.Domains) > 0 {
		sig.Reasons = append(sig.Reasons, "compliance domains: "+strings.Join(sig.Domains, ", "))
	}

	reliability, err := a.historicalReliability(ctx, paths)
	if err != nil {
		return Signals{}, fmt.Errorf("historical reliability: %w", err)
	}
	sig.Factors.HistoricalReliability = reliability
	if reliability < DefaultReliability {
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("touched paths have %.0f%% historical reliability", reliability))
	}

	untested, codeDirs := untestedDirs(paths)
	if codeDirs > 0 {
		sig.Factors.TestCoveragePenalty = 100 * float64(len(untested)) / float64(codeDirs)
	}
	if len(untested) > 0 {
		sig.Reasons = append(sig.Reasons, "no test changes alongside code in: "+strings.Join(untested, ", "))
	}
	return sig, nil
}

// ChangeMagnitude maps a line count to 0-100 on a log scale that reaches
// 100 at saturation lines. It is monotonic and 0 for no changes.
func ChangeMagnitude(lines, saturation int) float64 {
	if lines <= 0 {
		return 0
	}
	if saturation <= 0 {
		saturation = DefaultMagnitudeSaturation
	}
	v := 100 * math.Log10(1+float64(lines)) / math.Log10(1+float64(saturation))
	return math.Min(100, v)
}

// OverridesFromTrailers maps commit trailers to scrutiny overrides.
func OverridesFromTrailers(t vcs.Trailers) Overrides {
	var o Overrides
	if tier, ok := ParseTier(t.Get(vcs.TrailerRiskLevel)); ok {
		o.TierFloor = tier
	}
	o.DualApproval = t.Flag(vcs.TrailerDualReview) || t.Flag(vcs.TrailerRequiresDual)
	if n := t.Int(vcs.TrailerApprovalsRequired); n > 0 {
		o.MinApprovals = n
	}
	return o
}

func (a *Analyzer) criticalPathScore(paths []string, service string) (float64, string) {
	best := 0.0
	bestPrefix := ""
	for _, rule := range a.cfg.CriticalPaths {
		matched := service != "" && strings.TrimSuffix(rule.Prefix, "/") == strings.TrimSuffix(service, "/")
		for _, p := range paths {
			if matched {
				break
			}
			matched = rule.Matches(p)
		}
		if matched && rule.Score > best {
			best, bestPrefix = rule.Score, rule.Prefix
		}
	}
	if bestPrefix == "" {
		return 0, ""
	}
	return best, "touches critical path " + bestPrefix
}

// historicalReliability returns the minimum reliability across touched
// paths that have history, or DefaultReliability when none do. At most
// reliabilityLookups lookups run at once; the first error cancels the rest.
func (a *Analyzer) historicalReliability(ctx context.Context, paths []string) (float64, error) {
	if a.cfg.Reliability == nil || len(paths) == 0 {
		return DefaultReliability, nil
	}

	values := make([]float64, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reliabilityLookups)
	for i, p := range paths {
		g.Go(func() error {
			value, ok, err := a.cfg.Reliability.Reliability(gctx, p)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if !ok {
				value = DefaultReliability
			}
			values[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return clamp(min(DefaultReliability, slices.Min(values))), nil
}

// untestedDirs returns the sorted code directories with no test-file
// delta in the same directory, and the number of code directories.
func untestedDirs(paths []string) ([]string, int) {
	codeDirs := make(map[string]bool)
	testDirs := make(map[string]bool)
	for _, p := range paths {
		switch {
		case vcs.IsTestFile(p):
			testDirs[path.Dir(p)] = true
		case vcs.IsCodeFile(p):
			codeDirs[path.Dir(p)] = true
		}
	}
	var untested []string
	for dir := range codeDirs {
		if !testDirs[dir] {
			untested = append(untested, dir)
		}
	}
	sort.Strings(untested)
	return untested, len(codeDirs)
}
