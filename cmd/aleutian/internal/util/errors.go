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
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// =============================================================================
// Command Error Type
// =============================================================================

// CommandError wraps a subprocess failure with its exit code and output.
//
// # Description
//
// Output is the tail of the combined stdout/stderr, trimmed. ExitCode is
// -1 when the process did not exit normally (killed by a signal, never
// started, or cancelled).
//
// # Thread Safety
//
// CommandError is immutable after creation.
//
// # Example
//
//	err := NewCommandError("git checkout abc123", 128, "pathspec did not match", cause)
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 128 { ... }
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code, -1 if unknown.
	ExitCode int

	// Output is the trimmed tail of the process output.
	Output string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns "command (exit N): output".
func (e *CommandError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Output)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// NewCommandError creates a CommandError. Output is trimmed.
func NewCommandError(cmd string, exitCode int, output string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Output:   strings.TrimSpace(output),
		Wrapped:  wrapped,
	}
}

// ExitCode extracts the process exit code from an error returned by
// exec.Cmd.Run. It returns 0 for a nil error and -1 when the error does
// not carry a normal exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
