// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan builds deployment plans from risk assessments.
//
// A Plan is an ordered list of stages. Each stage routes a share of
// traffic to the new version, soaks for a minimum duration while health
// thresholds are evaluated, and may require manual approvals before it
// starts. Stage traffic never decreases from one stage to the next.
package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
)

// Status is the lifecycle state of a plan.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusSucceeded        Status = "SUCCEEDED"
	StatusRolledBack       Status = "ROLLED_BACK"
	StatusFailed           Status = "FAILED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusRolledBack || s == StatusFailed
}

// transitions lists the allowed moves out of each non-terminal status.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingApproval, StatusInProgress, StatusRolledBack, StatusFailed},
	StatusAwaitingApproval: {StatusInProgress, StatusRolledBack, StatusFailed},
	StatusInProgress:       {StatusAwaitingApproval, StatusSucceeded, StatusRolledBack, StatusFailed},
}

// ErrTerminal is returned when a transition out of a terminal status is
// attempted.
var ErrTerminal = errors.New("plan is in a terminal status")

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Comparator compares a sample value against a threshold limit.
type Comparator string

const (
	GreaterThan    Comparator = ">"
	GreaterOrEqual Comparator = ">="
	LessThan       Comparator = "<"
	LessOrEqual    Comparator = "<="
	Equal          Comparator = "=="
	NotEqual       Comparator = "!="
)

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case GreaterThan, GreaterOrEqual, LessThan, LessOrEqual, Equal, NotEqual:
		return true
	}
	return false
}

// Threshold is a breach condition: a sample of Metric breaches when
// "value Comparator Limit" holds. {error_rate > 0.01} breaches at 0.02.
type Threshold struct {
	Metric     string     `json:"metric" yaml:"metric" validate:"required"`
	Comparator Comparator `json:"comparator" yaml:"comparator" validate:"required,comparator"`
	Limit      float64    `json:"limit" yaml:"limit"`
}

// Breached reports whether value violates the threshold.
func (t Threshold) Breached(value float64) bool {
	switch t.Comparator {
	case GreaterThan:
		return value > t.Limit
	case GreaterOrEqual:
		return value >= t.Limit
	case LessThan:
		return value < t.Limit
	case LessOrEqual:
		return value <= t.Limit
	case Equal:
		return value == t.Limit
	case NotEqual:
		return value != t.Limit
	}
	// Unknown comparators are rejected at build time; fail closed anyway.
	return true
}

// String renders the threshold as "metric > limit".
func (t Threshold) String() string {
	return fmt.Sprintf("%s %s %g", t.Metric, t.Comparator, t.Limit)
}

// Stage is one traffic step of a plan.
type Stage struct {
	Name              string        `json:"name" yaml:"name"`
	TrafficPercent    float64       `json:"traffic_percent" yaml:"traffic_percent" validate:"gte=0,lte=100"`
	MinSoak           time.Duration `json:"min_soak" yaml:"min_soak" validate:"gte=0"`
	Thresholds        []Threshold   `json:"health_thresholds,omitempty" yaml:"health_thresholds,omitempty" validate:"dive"`
	ApprovalsRequired int           `json:"approvals_required,omitempty" yaml:"approvals_required,omitempty" validate:"gte=0"`
}

// Plan is a deployment plan for one rollout.
//
// # Thread Safety
//
// A Plan is owned by a single orchestrator run and is not safe for
// concurrent mutation. Use Clone to hand out snapshots.
type Plan struct {
	ID           string          `json:"plan_id"`
	Version      string          `json:"version"`
	Assessment   risk.Assessment `json:"assessment"`
	Paths        []string        `json:"paths,omitempty"`
	Stages       []Stage         `json:"stages"`
	CurrentStage int             `json:"current_stage_index"`
	Status       Status          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transition moves the plan to a new status.
//
// # Outputs
//
//   - error: ErrTerminal when the plan already reached a terminal status,
//     or a descriptive error for any other disallowed move. The plan is
//     unchanged on error.
func (p *Plan) Transition(to Status, reason string, at time.Time) error {
	if p.Status.Terminal() {
		return fmt.Errorf("%s -> %s: %w", p.Status, to, ErrTerminal)
	}
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("illegal plan transition %s -> %s", p.Status, to)
	}
	p.Status = to
	p.Reason = reason
	p.UpdatedAt = at
	return nil
}

// Clone returns a deep copy safe to share with readers.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Paths = append([]string(nil), p.Paths...)
	cp.Stages = make([]Stage, len(p.Stages))
	for i, s := range p.Stages {
		s.Thresholds = append([]Threshold(nil), s.Thresholds...)
		cp.Stages[i] = s
	}
	return &cp
}

// TotalApprovals is the number of approvals the plan asks for across all
// gates.
func (p *Plan) TotalApprovals() int {
	n := 0
	for _, s := range p.Stages {
		n += s.ApprovalsRequired
	}
	return n
}
