// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"log/slog"
	"runtime/debug"
)

// Panic is a panic recovered from a background goroutine.
type Panic struct {
	Value any
	Stack string
}

// LogValue groups the value and stack under one slog attribute.
func (p Panic) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("value", p.Value),
		slog.String("stack", p.Stack),
	)
}

// Go runs fn on a new goroutine. A panic in fn is recovered and handed to
// onPanic instead of crashing the process.
//
// # Limitations
//
//   - onPanic runs on the panicking goroutine; a panic inside it is not
//     recovered.
func Go(fn func(), onPanic func(Panic)) {
	go func() {
		defer Recover(onPanic)()
		fn()
	}()
}

// Recover returns a function to defer at the top of a goroutine. It
// recovers a panic and reports it to onPanic, which may be nil.
//
//	go func() {
//	    defer util.Recover(func(p util.Panic) {
//	        logger.Error("rollout panicked", slog.Any("panic", p))
//	    })()
//	    run()
//	}()
func Recover(onPanic func(Panic)) func() {
	return func() {
		r := recover()
		if r == nil || onPanic == nil {
			return
		}
		onPanic(Panic{Value: r, Stack: string(debug.Stack())})
	}
}
