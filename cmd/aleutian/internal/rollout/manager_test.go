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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
)

func TestManager_RunsAndBroadcasts(t *testing.T) {
	o := newOrchestrator(t, healthyProbe, &fakeTraffic{}, &fakeTrail{}, testConfig())
	m := NewManager(context.Background(), o, "", nil)

	events, unsubscribe := m.Subscribe(128)
	defer unsubscribe()

	p := buildPlan(t, risk.StrategyCanary, 0, fastStrategies())
	exec, err := m.Start(p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusSucceeded, res.Status)
	assert.Equal(t, plan.StatusSucceeded, exec.Snapshot().Status)

	var types []EventType
	for _, ev := range exec.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, EventPlanStarted, types[0])
	assert.Equal(t, EventSucceeded, types[len(types)-1])

	got, ok := m.Get(p.ID)
	require.True(t, ok)
	assert.Same(t, exec, got)
	require.Len(t, m.List(), 1)

	var last Event
	for ev := range drain(events) {
		last = ev
	}
	assert.Equal(t, EventSucceeded, last.Type)
}

func drain(ch <-chan Event) <-chan Event {
	out := make(chan Event, cap(ch))
	for {
		select {
		case ev := <-ch:
			out <- ev
		default:
			close(out)
			return out
		}
	}
}

func TestManager_DropsOldFinishedRuns(t *testing.T) {
	o := newOrchestrator(t, healthyProbe, &fakeTraffic{}, &fakeTrail{}, testConfig())
	m := NewManager(context.Background(), o, "", nil, WithFinishedRetention(2))

	for i := 0; i < 4; i++ {
		p := buildPlan(t, risk.StrategyDirect, 0, fastStrategies())
		p.ID = fmt.Sprintf("plan-%d", i)
		_, err := m.Start(p)
		require.NoError(t, err)
		m.Wait()
	}

	assert.Len(t, m.List(), 2)
	for i, kept := range []bool{false, false, true, true} {
		_, ok := m.Get(fmt.Sprintf("plan-%d", i))
		assert.Equal(t, kept, ok, "plan-%d", i)
	}
}

func TestManager_RerunKeepsNewestExecution(t *testing.T) {
	o := newOrchestrator(t, healthyProbe, &fakeTraffic{}, &fakeTrail{}, testConfig())
	m := NewManager(context.Background(), o, "", nil, WithFinishedRetention(1))

	var last *Execution
	for i := 0; i < 2; i++ {
		exec, err := m.Start(buildPlan(t, risk.StrategyDirect, 0, fastStrategies()))
		require.NoError(t, err)
		m.Wait()
		last = exec
	}

	got, ok := m.Get("plan-1")
	require.True(t, ok)
	assert.Same(t, last, got)
}

func TestManager_CancelRollsBack(t *testing.T) {
	cfg := fastStrategies()
	cfg.Stages[risk.StrategyCanary][0].MinSoak = time.Hour
	traffic := &fakeTraffic{}
	o := newOrchestrator(t, healthyProbe, traffic, &fakeTrail{}, testConfig())
	m := NewManager(context.Background(), o, "", nil)

	p := buildPlan(t, risk.StrategyCanary, 0, cfg)
	exec, err := m.Start(p)
	require.NoError(t, err)

	_, err = m.Start(p)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.Eventually(t, func() bool { return len(traffic.Calls()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Cancel(p.ID, errors.New("stop")))
	assert.ErrorIs(t, m.Cancel("nope", nil), ErrUnknownPlan)

	m.Wait()
	res, err := exec.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRolledBack, res.Status)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, "stop", res.Message)
}

func TestManager_HaltFile(t *testing.T) {
	dir := t.TempDir()
	halt := filepath.Join(dir, "HALT")

	cfg := fastStrategies()
	cfg.Stages[risk.StrategyCanary][0].MinSoak = time.Hour
	traffic := &fakeTraffic{}
	o := newOrchestrator(t, healthyProbe, traffic, &fakeTrail{}, testConfig())
	m := NewManager(context.Background(), o, halt, nil)

	exec, err := m.Start(buildPlan(t, risk.StrategyCanary, 0, cfg))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(traffic.Calls()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, os.WriteFile(halt, []byte("maintenance"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Contains(t, res.Message, ErrHalted.Error())
}

func TestWatchHaltFile_AlreadyPresent(t *testing.T) {
	halt := filepath.Join(t.TempDir(), "HALT")
	require.NoError(t, os.WriteFile(halt, nil, 0o644))

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stop, err := WatchHaltFile(ctx, halt, cancel, nil)
	require.NoError(t, err)
	defer stop()

	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), ErrHalted)
}

func TestWatchHaltFile_StopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stop, err := WatchHaltFile(ctx, filepath.Join(t.TempDir(), "HALT"), cancel, nil)
	require.NoError(t, err)
	stop()
	stop()
	assert.NoError(t, ctx.Err())
}
