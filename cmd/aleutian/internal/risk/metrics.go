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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.risk")
	meter  = otel.Meter("aleutian.risk")
)

var (
	assessLatency metric.Float64Histogram
	assessScore   metric.Float64Histogram
	assessTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		assessLatency, err = meter.Float64Histogram(
			"risk_assess_duration_seconds",
			metric.WithDescription("Duration of risk assessments"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assessScore, err = meter.Float64Histogram(
			"risk_score",
			metric.WithDescription("Distribution of risk scores"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assessTotal, err = meter.Int64Counter(
			"risk_assessments_total",
			metric.WithDescription("Total risk assessments by tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startAssessSpan(ctx context.Context, sha string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Analyzer.Assess",
		trace.WithAttributes(attribute.String("risk.commit", sha)),
	)
}

func setAssessSpanResult(span trace.Span, a Assessment) {
	span.SetAttributes(
		attribute.Float64("risk.score", a.Score),
		attribute.String("risk.tier", string(a.Tier)),
		attribute.String("risk.strategy", string(a.Strategy)),
		attribute.Int("risk.approvals_required", a.ApprovalsRequired),
	)
}

func recordAssessMetrics(ctx context.Context, d time.Duration, a Assessment) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", string(a.Tier)))
	assessLatency.Record(ctx, d.Seconds(), attrs)
	assessScore.Record(ctx, a.Score, attrs)
	assessTotal.Add(ctx, 1, attrs)
}
