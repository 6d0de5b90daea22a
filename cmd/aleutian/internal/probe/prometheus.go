// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
)

// PrometheusConfig configures a PrometheusProbe.
type PrometheusConfig struct {
	// Address is the Prometheus base URL, e.g. http://prometheus:9090.
	Address string `yaml:"address" validate:"required,url"`

	// Queries are instant PromQL queries, one per threshold metric.
	Queries []Query `yaml:"queries" validate:"required,min=1,dive"`

	// QueryTimeout bounds each query on the server side.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// RateLimit is the maximum queries per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// Burst is the limiter burst size. Defaults to the number of queries.
	Burst int `yaml:"burst" validate:"gte=0"`

	Logger *slog.Logger     `yaml:"-"`
	Clock  func() time.Time `yaml:"-"`
}

// PrometheusProbe samples stage health with PromQL instant queries.
//
// # Description
//
// Every poll runs each configured query at the current time. Scalar
// results produce one sample; vector results produce one sample per
// series, so a breach in any series breaches the threshold. Queries are
// throttled by a token bucket shared by all stages.
//
// # Thread Safety
//
// PrometheusProbe is safe for concurrent use.
type PrometheusProbe struct {
	api     v1.API
	queries []Query
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	clock   func() time.Time
}

// NewPrometheus creates a probe against the configured server.
func NewPrometheus(cfg PrometheusConfig) (*PrometheusProbe, error) {
	if err := validateQueries(cfg.Queries); err != nil {
		return nil, fmt.Errorf("prometheus probe: %w", err)
	}
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("prometheus probe: creating client: %w", err)
	}
	return newPrometheus(v1.NewAPI(client), cfg), nil
}

func newPrometheus(promAPI v1.API, cfg PrometheusConfig) *PrometheusProbe {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = len(cfg.Queries)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PrometheusProbe{
		api:     promAPI,
		queries: append([]Query(nil), cfg.Queries...),
		timeout: cfg.QueryTimeout,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(slog.String("component", "probe.prometheus")),
		clock:   clock,
	}
}

// Sample implements rollout.HealthProbe.
func (p *PrometheusProbe) Sample(ctx context.Context, stageIndex int) ([]rollout.HealthSample, error) {
	now := p.clock()
	var samples []rollout.HealthSample
	for _, q := range p.queries {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var opts []v1.Option
		if p.timeout > 0 {
			opts = append(opts, v1.WithTimeout(p.timeout))
		}
		value, warnings, err := p.api.Query(ctx, q.render(stageIndex), now, opts...)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", q.Metric, err)
		}
		if len(warnings) > 0 {
			p.logger.Warn("prometheus query warnings",
				slog.String("metric", q.Metric),
				slog.Any("warnings", warnings))
		}
		got, err := decode(q.Metric, stageIndex, value)
		if err != nil {
			return nil, err
		}
		samples = append(samples, got...)
	}
	return samples, nil
}

// decode converts a PromQL result into samples. Matrix and string results
// are rejected; health queries must be instant numeric queries.
func decode(metric string, stageIndex int, value model.Value) ([]rollout.HealthSample, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *model.Scalar:
		return []rollout.HealthSample{{
			Metric:     metric,
			Value:      float64(v.Value),
			StageIndex: stageIndex,
			ObservedAt: v.Timestamp.Time().UTC(),
		}}, nil
	case model.Vector:
		out := make([]rollout.HealthSample, 0, len(v))
		for _, s := range v {
			out = append(out, rollout.HealthSample{
				Metric:     metric,
				Value:      float64(s.Value),
				StageIndex: stageIndex,
				ObservedAt: s.Timestamp.Time().UTC(),
			})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("query for %s returned %s, want scalar or vector", metric, value.Type())
	}
}
