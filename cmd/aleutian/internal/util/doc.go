// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds small helpers shared by the release engine's
// internal packages.
//
// # Overview
//
//   - Command errors: CommandError carries the exit code and output tail
//     of a failed subprocess (used by the bisect test runner).
//   - Ring buffer: a bounded, thread-safe buffer that drops the oldest
//     item when full (rollout event history, runner output tails).
//   - Goroutine safety: panic recovery for background goroutines.
//   - Timeouts: defaulting helpers for configured durations.
//
// util depends only on the standard library and is a leaf package.
package util
