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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.bisect")
	meter  = otel.Meter("aleutian.bisect")
)

var (
	stepsTotal    metric.Int64Counter
	stepDuration  metric.Float64Histogram
	sessionsTotal metric.Int64Counter
	sessionSteps  metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		stepsTotal, err = meter.Int64Counter(
			"bisect_steps_total",
			metric.WithDescription("Tested commits by verdict"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stepDuration, err = meter.Float64Histogram(
			"bisect_step_duration_seconds",
			metric.WithDescription("Duration of one test runner invocation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionsTotal, err = meter.Int64Counter(
			"bisect_sessions_total",
			metric.WithDescription("Finished bisect sessions by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionSteps, err = meter.Int64Histogram(
			"bisect_session_steps",
			metric.WithDescription("Tests per bisect session"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, good, bad string, interval int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.Run",
		trace.WithAttributes(
			attribute.String("bisect.good", good),
			attribute.String("bisect.bad", bad),
			attribute.Int("bisect.interval", interval),
		),
	)
}

func setRunSpanResult(span trace.Span, rep IncidentReport, err error) {
	span.SetAttributes(
		attribute.Bool("bisect.converged", rep.Converged),
		attribute.String("bisect.root_cause", rep.RootCauseSHA),
		attribute.Float64("bisect.confidence", rep.Confidence),
		attribute.Int("bisect.steps", rep.StepsTaken),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func recordStepMetrics(ctx context.Context, s Step) {
	if err := initMetrics(); err != nil {
		return
	}
	stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(s.Verdict))))
	stepDuration.Record(ctx, s.Duration.Seconds())
}

func recordSessionMetrics(ctx context.Context, rep IncidentReport, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "range"
	switch {
	case err != nil:
		outcome = "error"
	case rep.Converged:
		outcome = "converged"
	}
	sessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	sessionSteps.Record(ctx, int64(rep.StepsTaken))
}
