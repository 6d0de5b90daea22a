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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
)

var (
	tracer = otel.Tracer("aleutian.rollout")
	meter  = otel.Meter("aleutian.rollout")
)

var (
	runsTotal      metric.Int64Counter
	runDuration    metric.Float64Histogram
	stageDuration  metric.Float64Histogram
	promotionTotal metric.Int64Counter
	probeFailures  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runsTotal, err = meter.Int64Counter(
			"rollout_runs_total",
			metric.WithDescription("Finished rollouts by status and reason"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"rollout_duration_seconds",
			metric.WithDescription("Wall time of rollouts"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stageDuration, err = meter.Float64Histogram(
			"rollout_stage_duration_seconds",
			metric.WithDescription("Time from traffic shift to promotion"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		promotionTotal, err = meter.Int64Counter(
			"rollout_promotions_total",
			metric.WithDescription("Promoted stages"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		probeFailures, err = meter.Int64Counter(
			"rollout_probe_failures_total",
			metric.WithDescription("Failed health probe polls"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, p *plan.Plan) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Orchestrator.Run",
		trace.WithAttributes(
			attribute.String("rollout.plan_id", p.ID),
			attribute.String("rollout.version", p.Version),
			attribute.String("rollout.strategy", string(p.Assessment.Strategy)),
			attribute.Int("rollout.stages", len(p.Stages)),
		),
	)
}

func setRunSpanResult(span trace.Span, res Result, err error) {
	span.SetAttributes(
		attribute.String("rollout.status", string(res.Status)),
		attribute.String("rollout.reason", res.Reason),
		attribute.Int("rollout.promotions", res.Promotions),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func recordRunMetrics(ctx context.Context, res Result) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(res.Status)),
		attribute.String("reason", res.Reason),
	)
	runsTotal.Add(ctx, 1, attrs)
	runDuration.Record(ctx, res.Duration.Seconds(), attrs)
}

func recordStageMetrics(ctx context.Context, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	stageDuration.Record(ctx, d.Seconds())
	promotionTotal.Add(ctx, 1)
}

func recordProbeFailure(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	probeFailures.Add(ctx, 1)
}
