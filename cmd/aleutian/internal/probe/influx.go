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
	"os"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
)

// InfluxTokenEnv overrides InfluxConfig.Token when set.
const InfluxTokenEnv = "ALEUTIAN_INFLUX_TOKEN"

// BucketPlaceholder is replaced by the configured bucket in every query.
const BucketPlaceholder = "$bucket"

// InfluxConfig configures an InfluxProbe.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`

	// Queries are Flux queries, one per threshold metric. The last
	// record's _value is the observation.
	Queries []Query `yaml:"queries" validate:"required,min=1,dive"`

	Logger *slog.Logger `yaml:"-"`
}

// InfluxProbe samples stage health with Flux queries against InfluxDB 2.
//
// # Description
//
// Each query should end in a selector such as last() or mean(); if it
// yields several records only the last one is used. Non-numeric values
// are skipped with a warning.
//
// # Thread Safety
//
// InfluxProbe is safe for concurrent use.
type InfluxProbe struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	bucket   string
	queries  []Query
	logger   *slog.Logger
}

// NewInflux creates a probe. The token is taken from ALEUTIAN_INFLUX_TOKEN
// if that variable is set. Call Close when done.
func NewInflux(cfg InfluxConfig) (*InfluxProbe, error) {
	if err := validateQueries(cfg.Queries); err != nil {
		return nil, fmt.Errorf("influx probe: %w", err)
	}
	if tok := os.Getenv(InfluxTokenEnv); tok != "" {
		cfg.Token = tok
	}
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx probe: url, org and bucket are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxProbe{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		queries:  append([]Query(nil), cfg.Queries...),
		logger:   logger.With(slog.String("component", "probe.influx")),
	}, nil
}

// Close releases the underlying client.
func (p *InfluxProbe) Close() {
	p.client.Close()
}

// Sample implements rollout.HealthProbe.
func (p *InfluxProbe) Sample(ctx context.Context, stageIndex int) ([]rollout.HealthSample, error) {
	var samples []rollout.HealthSample
	for _, q := range p.queries {
		flux := strings.ReplaceAll(q.render(stageIndex), BucketPlaceholder, p.bucket)

		result, err := p.queryAPI.Query(ctx, flux)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", q.Metric, err)
		}

		var (
			last  float64
			at    time.Time
			found bool
		)
		for result.Next() {
			record := result.Record()
			v, ok := toFloat(record.Value())
			if !ok {
				p.logger.Warn("skipping non-numeric influx value",
					slog.String("metric", q.Metric),
					slog.Any("value", record.Value()))
				continue
			}
			last, at, found = v, record.Time(), true
		}
		if result.Err() != nil {
			return nil, fmt.Errorf("reading %s results: %w", q.Metric, result.Err())
		}
		if !found {
			continue
		}
		samples = append(samples, rollout.HealthSample{
			Metric:     q.Metric,
			Value:      last,
			StageIndex: stageIndex,
			ObservedAt: at.UTC(),
		})
	}
	return samples, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
