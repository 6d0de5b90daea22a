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
	"errors"
	"fmt"
)

var (
	// ErrProbeUnavailable marks a probe poll that failed or timed out.
	ErrProbeUnavailable = errors.New("health probe unavailable")

	// ErrApprovalDenied is returned by gates that reject a stage.
	ErrApprovalDenied = errors.New("approval denied")

	// ErrHalted is the cancellation cause used by the halt-file watcher.
	ErrHalted = errors.New("rollout halted by operator")

	// ErrPlanNotPending is returned when Run is given a plan that already ran.
	ErrPlanNotPending = errors.New("plan is not pending")
)

// RollbackFailure means traffic could not be returned to the previous
// version. The deployment is in an unknown traffic state and a human must
// intervene; it is always returned to the caller.
type RollbackFailure struct {
	PlanID     string
	Version    string
	StageIndex int
	Trigger    string
	Err        error
}

// Error implements error.
func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("rollback of plan %s (version %s, stage %d, trigger %s) failed: %v",
		e.PlanID, e.Version, e.StageIndex, e.Trigger, e.Err)
}

// Unwrap returns the traffic controller error.
func (e *RollbackFailure) Unwrap() error {
	return e.Err
}
