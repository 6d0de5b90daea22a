// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"fmt"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
)

// InvalidStrategyConfig reports a stage definition that cannot produce a
// valid plan. Stage is -1 when the problem is not specific to one stage.
type InvalidStrategyConfig struct {
	Strategy risk.Strategy
	Stage    int
	Reason   string
}

// Error implements error.
func (e *InvalidStrategyConfig) Error() string {
	if e.Stage < 0 {
		return fmt.Sprintf("invalid %s strategy config: %s", e.Strategy, e.Reason)
	}
	return fmt.Sprintf("invalid %s strategy config: stage %d: %s", e.Strategy, e.Stage, e.Reason)
}
