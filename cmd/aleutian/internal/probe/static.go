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
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
)

// StaticProbe returns fixed values. It backs dry runs and demos where no
// metrics backend exists.
//
// Values apply to every stage unless Stages has an entry for the stage,
// in which case that entry's metrics replace the matching defaults.
type StaticProbe struct {
	mu     sync.RWMutex
	values map[string]float64
	stages map[int]map[string]float64
	clock  func() time.Time
}

// NewStatic creates a probe that reports values for every stage.
func NewStatic(values map[string]float64) *StaticProbe {
	p := &StaticProbe{
		values: make(map[string]float64, len(values)),
		stages: make(map[int]map[string]float64),
		clock:  time.Now,
	}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// SetStage overrides one metric for one stage.
func (p *StaticProbe) SetStage(stageIndex int, metric string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stages[stageIndex] == nil {
		p.stages[stageIndex] = make(map[string]float64)
	}
	p.stages[stageIndex][metric] = value
}

// Sample implements rollout.HealthProbe. Samples are sorted by metric.
func (p *StaticProbe) Sample(ctx context.Context, stageIndex int) ([]rollout.HealthSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	merged := make(map[string]float64, len(p.values))
	for k, v := range p.values {
		merged[k] = v
	}
	for k, v := range p.stages[stageIndex] {
		merged[k] = v
	}

	now := p.clock().UTC()
	out := make([]rollout.HealthSample, 0, len(merged))
	for metric, v := range merged {
		out = append(out, rollout.HealthSample{
			Metric:     metric,
			Value:      v,
			StageIndex: stageIndex,
			ObservedAt: now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}
