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
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// ApprovalRequest asks for sign-off before a stage starts.
type ApprovalRequest struct {
	PlanID      string    `json:"plan_id"`
	StageIndex  int       `json:"stage_index"`
	StageName   string    `json:"stage_name"`
	Required    int       `json:"required"`
	RequestedAt time.Time `json:"requested_at"`
}

// Decision is the answer of an ApprovalGate.
type Decision struct {
	Approved  bool     `json:"approved"`
	Approvers []string `json:"approvers,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// ApprovalGate blocks until a stage is approved or denied.
//
// A denial is a Decision with Approved false, not an error. Errors mean
// the gate itself is broken, or ctx ended.
type ApprovalGate interface {
	Await(ctx context.Context, req ApprovalRequest) (Decision, error)
}

// forgetter is implemented by gates that keep per-plan state. Run calls
// Forget once the plan is terminal.
type forgetter interface {
	Forget(planID string)
}

// ApprovalBoard is an in-memory ApprovalGate fed by Approve and Deny.
//
// # Description
//
// Approvals are counted per plan from distinct approvers. Approvals given
// while no gate of that plan is waiting are kept and count toward the next
// gate, which is how the CLI passes --approve flags. A satisfied or denied
// gate consumes everything recorded for the plan, and the orchestrator
// forgets the plan when its run ends.
//
// # Thread Safety
//
// Safe for concurrent use.
type ApprovalBoard struct {
	mu      sync.Mutex
	entries map[string]*approvalEntry
}

type approvalEntry struct {
	request   *ApprovalRequest
	approvers []string
	denied    bool
	reason    string
	changed   chan struct{}
}

// NewApprovalBoard creates an empty board.
func NewApprovalBoard() *ApprovalBoard {
	return &ApprovalBoard{entries: make(map[string]*approvalEntry)}
}

// entry returns the entry for planID. Caller holds b.mu.
func (b *ApprovalBoard) entry(planID string) *approvalEntry {
	e, ok := b.entries[planID]
	if !ok {
		e = &approvalEntry{changed: make(chan struct{})}
		b.entries[planID] = e
	}
	return e
}

// notify wakes waiters of e. Caller holds b.mu.
func (e *approvalEntry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Approve records an approval from approver. Repeated approvals by the
// same approver count once.
func (b *ApprovalBoard) Approve(planID, approver string) error {
	approver = strings.TrimSpace(approver)
	if planID == "" || approver == "" {
		return errors.New("plan id and approver are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(planID)
	if !slices.Contains(e.approvers, approver) {
		e.approvers = append(e.approvers, approver)
		e.notify()
	}
	return nil
}

// Deny rejects the waiting (or next) gate of planID.
func (b *ApprovalBoard) Deny(planID, approver, reason string) error {
	approver = strings.TrimSpace(approver)
	if planID == "" || approver == "" {
		return errors.New("plan id and approver are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(planID)
	e.denied = true
	e.reason = fmt.Sprintf("denied by %s", approver)
	if reason != "" {
		e.reason += ": " + reason
	}
	e.notify()
	return nil
}

// Pending lists the gates that are currently waiting, ordered by plan id.
func (b *ApprovalBoard) Pending() []ApprovalRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ApprovalRequest
	for _, e := range b.entries {
		if e.request != nil {
			out = append(out, *e.request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}

// Forget drops everything recorded for planID.
func (b *ApprovalBoard) Forget(planID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, planID)
}

// Await implements ApprovalGate.
func (b *ApprovalBoard) Await(ctx context.Context, req ApprovalRequest) (Decision, error) {
	for {
		b.mu.Lock()
		e := b.entry(req.PlanID)
		r := req
		e.request = &r

		if e.denied {
			d := Decision{Reason: e.reason}
			delete(b.entries, req.PlanID)
			b.mu.Unlock()
			return d, nil
		}
		if len(e.approvers) >= req.Required {
			d := Decision{Approved: true, Approvers: append([]string(nil), e.approvers...)}
			delete(b.entries, req.PlanID)
			b.mu.Unlock()
			return d, nil
		}
		changed := e.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			b.mu.Lock()
			if cur, ok := b.entries[req.PlanID]; ok {
				cur.request = nil
			}
			b.mu.Unlock()
			return Decision{}, ctx.Err()
		case <-changed:
		}
	}
}
