// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram

	httpMetricsOnce sync.Once
	httpMetricsErr  error
)

func initHTTPMetrics() error {
	httpMetricsOnce.Do(func() {
		meter := otel.Meter("aleutian.http")

		httpRequests, httpMetricsErr = meter.Int64Counter(
			"http_requests_total",
			metric.WithDescription("HTTP requests by route and status"),
		)
		if httpMetricsErr != nil {
			return
		}
		httpDuration, httpMetricsErr = meter.Float64Histogram(
			"http_request_duration_seconds",
			metric.WithDescription("HTTP request latency"),
			metric.WithUnit("s"),
		)
	})
	return httpMetricsErr
}

// GinMiddleware returns the handlers that trace and measure every request.
//
// # Description
//
// Spans come from otelgin, which extracts incoming trace context and names
// each span after the matched route template. The second handler records
// request counts and latency keyed by route, so /v1/plans/:id is one series
// regardless of the id. Unmatched paths are reported as "unmatched".
//
// # Limitations
//
//   - Must be installed before routes are registered.
//   - The meter is read when the middleware is created, so call Init first.
func GinMiddleware(tracerName string) []gin.HandlerFunc {
	return []gin.HandlerFunc{otelgin.Middleware(tracerName), requestMetrics()}
}

func requestMetrics() gin.HandlerFunc {
	metricsOK := initHTTPMetrics() == nil

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if !metricsOK {
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if status >= 500 && len(c.Errors) > 0 {
			trace.SpanFromContext(c.Request.Context()).RecordError(c.Errors.Last())
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("route", route),
			attribute.Int("status", status),
		)
		httpRequests.Add(c.Request.Context(), 1, attrs)
		httpDuration.Record(c.Request.Context(), time.Since(start).Seconds(), attrs)
	}
}
