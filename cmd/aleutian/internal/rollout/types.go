// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollout drives a deployment plan through its stages.
//
// The Orchestrator is a state machine over plan.Status. For every stage it
// waits for any required approvals, shifts traffic, and polls a
// HealthProbe for at least the stage's soak duration. A single threshold
// breach rolls the plan back immediately: traffic goes fully back to the
// previous version, the plan becomes ROLLED_BACK and exactly one ROLLBACK
// event is written to the audit trail. Rollbacks are never retried.
//
//	PENDING ──► AWAITING_APPROVAL ◄──► IN_PROGRESS ──► SUCCEEDED
//	   │                │                   │
//	   └────────────────┴───────────────────┴──► ROLLED_BACK | FAILED
//
// # Thread Safety
//
// One Run owns its plan. Several Runs over different plans may proceed
// concurrently on one Orchestrator; they share only the collaborators,
// which must be safe for concurrent use.
package rollout

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
)

// HealthSample is one metric observation for a stage.
type HealthSample struct {
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	StageIndex int       `json:"stage_index"`
	ObservedAt time.Time `json:"observed_at"`
}

// HealthProbe returns current samples for a stage. An empty result with a
// nil error means "no data yet". It must be safe to call repeatedly.
type HealthProbe interface {
	Sample(ctx context.Context, stageIndex int) ([]HealthSample, error)
}

// TrafficController routes percent of traffic to version. Percent 0 sends
// everything back to the previous version.
type TrafficController interface {
	SetTraffic(ctx context.Context, version string, percent float64) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc func(ctx context.Context, stageIndex int) ([]HealthSample, error)

// Sample implements HealthProbe.
func (f ProbeFunc) Sample(ctx context.Context, stageIndex int) ([]HealthSample, error) {
	return f(ctx, stageIndex)
}

// EventType classifies deployment events.
type EventType string

const (
	EventPlanStarted      EventType = "PLAN_STARTED"
	EventAwaitingApproval EventType = "AWAITING_APPROVAL"
	EventApproved         EventType = "APPROVED"
	EventTrafficShifted   EventType = "TRAFFIC_SHIFTED"
	EventProbeFailure     EventType = "PROBE_FAILURE"
	EventStagePromoted    EventType = "STAGE_PROMOTED"
	EventRollback         EventType = "ROLLBACK"
	EventSucceeded        EventType = "SUCCEEDED"
	EventFailed           EventType = "FAILED"
)

// Rollback and failure reasons.
const (
	ReasonThresholdBreach  = "THRESHOLD_BREACH"
	ReasonProbeUnavailable = "PROBE_UNAVAILABLE"
	ReasonCancelled        = "CANCELLED"
	ReasonApprovalDenied   = "APPROVAL_DENIED"
	ReasonTrafficError     = "TRAFFIC_ERROR"
	ReasonAuditError       = "AUDIT_ERROR"
	ReasonApprovalError    = "APPROVAL_ERROR"
	ReasonRollbackFailed   = "ROLLBACK_FAILED"
)

// ProbeAvailabilityMetric names the implicit threshold breached when the
// probe fails too many times in a row.
const ProbeAvailabilityMetric = "probe_availability"

// Event is a deployment event. Events are sent to observers and the
// decision-bearing ones are appended to the audit trail.
type Event struct {
	ID                string          `json:"id"`
	PlanID            string          `json:"plan_id"`
	Type              EventType       `json:"type"`
	Status            plan.Status     `json:"status"`
	StageIndex        int             `json:"stage_index"`
	TrafficPercent    float64         `json:"traffic_percent"`
	Reason            string          `json:"reason,omitempty"`
	Message           string          `json:"message,omitempty"`
	BreachedThreshold *plan.Threshold `json:"breached_threshold,omitempty"`
	Sample            *HealthSample   `json:"sample,omitempty"`
	Approvers         []string        `json:"approvers,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// audited reports whether the event is part of the decision trail.
func (e Event) audited() bool {
	return e.Type != EventProbeFailure
}

// Observer receives every event together with a snapshot of the plan
// taken right after the event. Observers run on the orchestrator's
// goroutine and must not block.
type Observer interface {
	OnEvent(ev Event, snapshot *plan.Plan)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event, snapshot *plan.Plan)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ev Event, snapshot *plan.Plan) {
	f(ev, snapshot)
}

// Breach describes the sample and threshold that ended a stage.
type Breach struct {
	Threshold plan.Threshold `json:"threshold"`
	Sample    HealthSample   `json:"sample"`
}

// Result is the outcome of a Run.
type Result struct {
	PlanID     string        `json:"plan_id"`
	Status     plan.Status   `json:"status"`
	Reason     string        `json:"reason"`
	Message    string        `json:"message"`
	StageIndex int           `json:"stage_index"`
	Promotions int           `json:"promotions"`
	Breach     *Breach       `json:"breach,omitempty"`
	Duration   time.Duration `json:"duration"`
}
