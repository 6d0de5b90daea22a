// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probe provides HealthProbe implementations for the rollout
// orchestrator.
//
// Each probe maps metric names (the names stage thresholds refer to) to a
// backend query. The token $stage in a query is replaced by the stage index
// so a backend can label stage traffic separately. A probe returns an empty
// slice, not an error, when the backend has no data yet.
package probe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StagePlaceholder is replaced by the stage index in every query.
const StagePlaceholder = "$stage"

// Query binds a threshold metric name to a backend expression.
type Query struct {
	Metric string `yaml:"metric" json:"metric" validate:"required"`
	Expr   string `yaml:"expr" json:"expr" validate:"required"`
}

// render substitutes the stage index into the expression.
func (q Query) render(stageIndex int) string {
	return strings.ReplaceAll(q.Expr, StagePlaceholder, strconv.Itoa(stageIndex))
}

// QueriesFromMap converts a metric->expression map into queries sorted by
// metric name so polls are issued in a stable order.
func QueriesFromMap(m map[string]string) []Query {
	out := make([]Query, 0, len(m))
	for metric, expr := range m {
		out = append(out, Query{Metric: metric, Expr: expr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

func validateQueries(queries []Query) error {
	if len(queries) == 0 {
		return fmt.Errorf("at least one query is required")
	}
	seen := make(map[string]bool, len(queries))
	for _, q := range queries {
		if q.Metric == "" || strings.TrimSpace(q.Expr) == "" {
			return fmt.Errorf("query for metric %q: metric and expr are required", q.Metric)
		}
		if seen[q.Metric] {
			return fmt.Errorf("duplicate query for metric %q", q.Metric)
		}
		seen[q.Metric] = true
	}
	return nil
}
