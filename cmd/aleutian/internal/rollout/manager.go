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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/util"
)

// EventHistory is the number of events an Execution retains.
const EventHistory = 1024

// DefaultFinishedRetention is the number of finished executions a
// Manager keeps for lookups.
const DefaultFinishedRetention = 64

// ErrAlreadyRunning is returned when a plan id is started twice.
var ErrAlreadyRunning = errors.New("plan is already running")

// ErrUnknownPlan is returned for plan ids the Manager has never started
// or no longer retains.
var ErrUnknownPlan = errors.New("unknown plan")

// Execution is one plan running in the background under a Manager.
type Execution struct {
	id        string
	startedAt time.Time
	cancel    context.CancelCauseFunc
	done      chan struct{}

	mu       sync.RWMutex
	snapshot *plan.Plan
	events   *util.RingBuffer[Event]
	result   Result
	err      error
}

// ID returns the plan id.
func (e *Execution) ID() string { return e.id }

// Snapshot returns a copy of the plan as of its latest event.
func (e *Execution) Snapshot() *plan.Plan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot.Clone()
}

// Events returns the most recent events, oldest first. Only the last
// EventHistory events are kept.
func (e *Execution) Events() []Event {
	return e.events.ToSlice()
}

// Done is closed when the run has finished.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the run finishes or ctx ends.
func (e *Execution) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.done:
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result, e.err
}

// Cancel stops the run; it rolls back with reason CANCELLED.
func (e *Execution) Cancel(cause error) { e.cancel(cause) }

// OnEvent implements Observer.
func (e *Execution) OnEvent(ev Event, snapshot *plan.Plan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = snapshot
	e.events.Push(ev)
}

// Manager runs plans in the background and fans their events out to
// subscribers. The HTTP server and the rollout command use it.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	orch      *Orchestrator
	base      context.Context
	haltFile  string
	logger    *slog.Logger
	retention int
	wg        sync.WaitGroup

	mu       sync.RWMutex
	runs     map[string]*Execution
	finished []*Execution

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFinishedRetention sets how many finished executions stay
// available to Get and List. Older ones are dropped as runs finish.
func WithFinishedRetention(n int) ManagerOption {
	return func(m *Manager) { m.retention = n }
}

// NewManager creates a Manager. Runs are derived from base, not from the
// context passed to Start, so they outlive the request that started them.
// When haltFile is set every run is cancelled once that file appears.
func NewManager(base context.Context, orch *Orchestrator, haltFile string, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		orch:      orch,
		base:      base,
		haltFile:  haltFile,
		logger:    logger.With(slog.String("component", "rollout-manager")),
		retention: DefaultFinishedRetention,
		runs:      make(map[string]*Execution),
		subs:      make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.retention = max(m.retention, 1)
	return m
}

// Start runs p in the background.
func (m *Manager) Start(p *plan.Plan) (*Execution, error) {
	if p == nil {
		return nil, errors.New("rollout: nil plan")
	}
	m.mu.Lock()
	if prev, ok := m.runs[p.ID]; ok {
		select {
		case <-prev.done:
		default:
			m.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", p.ID, ErrAlreadyRunning)
		}
	}
	ctx, cancel := context.WithCancelCause(m.base)
	exec := &Execution{
		id:        p.ID,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		snapshot:  p.Clone(),
		events:    util.NewRingBuffer[Event](EventHistory),
	}
	m.runs[p.ID] = exec
	m.mu.Unlock()

	stopHalt := func() {}
	if m.haltFile != "" {
		stop, err := WatchHaltFile(ctx, m.haltFile, cancel, m.logger)
		if err != nil {
			m.logger.Warn("halt file watch unavailable", slog.String("error", err.Error()))
		} else {
			stopHalt = stop
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.retire(exec)
		defer close(exec.done)
		defer cancel(nil)
		defer stopHalt()
		defer util.Recover(func(r util.Panic) {
			m.logger.Error("rollout panicked",
				slog.String("plan", p.ID),
				slog.Any("panic", r),
			)
			exec.mu.Lock()
			exec.result = Result{PlanID: p.ID, Status: plan.StatusFailed, Reason: "PANIC"}
			exec.err = fmt.Errorf("rollout %s panicked: %v", p.ID, r.Value)
			exec.mu.Unlock()
		})()

		res, err := m.orch.Run(ctx, p, exec, ObserverFunc(m.broadcast))
		exec.mu.Lock()
		exec.result, exec.err = res, err
		exec.mu.Unlock()
		if err != nil {
			m.logger.Error("rollout ended with error",
				slog.String("plan", p.ID),
				slog.String("status", string(res.Status)),
				slog.String("error", err.Error()),
			)
		}
	}()
	return exec, nil
}

// retire records exec as finished and drops the oldest finished
// executions beyond the retention limit. A newer run that reused the plan
// id is left alone.
func (m *Manager) retire(exec *Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, exec)
	for len(m.finished) > m.retention {
		old := m.finished[0]
		m.finished = m.finished[1:]
		if m.runs[old.id] == old {
			delete(m.runs, old.id)
		}
	}
}

// Get returns the execution for a plan id. Only the most recent finished
// executions are retained, see WithFinishedRetention.
func (m *Manager) Get(id string) (*Execution, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.runs[id]
	return e, ok
}

// List returns plan snapshots of all executions, newest first.
func (m *Manager) List() []*plan.Plan {
	m.mu.RLock()
	execs := make([]*Execution, 0, len(m.runs))
	for _, e := range m.runs {
		execs = append(execs, e)
	}
	m.mu.RUnlock()

	sort.Slice(execs, func(i, j int) bool { return execs[i].startedAt.After(execs[j].startedAt) })
	out := make([]*plan.Plan, len(execs))
	for i, e := range execs {
		out[i] = e.Snapshot()
	}
	return out
}

// Cancel cancels one run.
func (m *Manager) Cancel(id string, cause error) error {
	e, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownPlan)
	}
	e.Cancel(cause)
	return nil
}

// HaltAll cancels every run.
func (m *Manager) HaltAll(cause error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.runs {
		e.Cancel(cause)
	}
}

// Wait blocks until every started run has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Subscribe returns a channel receiving every event of every run. Slow
// subscribers lose events rather than stall rollouts. Call the returned
// function to unsubscribe.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) broadcast(ev Event, _ *plan.Plan) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
