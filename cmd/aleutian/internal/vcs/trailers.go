// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"bufio"
	"strconv"
	"strings"
)

// Well-known trailer keys, canonicalized to lower case.
const (
	TrailerRiskLevel         = "risk-level"
	TrailerService           = "service"
	TrailerPHIImpact         = "phi-impact"
	TrailerClinicalSafety    = "clinical-safety"
	TrailerDualReview        = "dual-review"
	TrailerRequiresDual      = "requires-dual-review"
	TrailerApprovalsRequired = "approvals-required"
	TrailerCompliance        = "compliance"
)

// Trailers holds the "Key: value" lines of the last paragraph of a commit
// message. Keys are lower-cased; later duplicates win.
type Trailers map[string]string

// ParseTrailers extracts trailers from a commit message.
//
// # Description
//
// Only the final paragraph is considered, and only when every non-empty
// line in it has the "Key: value" form. This matches the way git itself
// recognises trailers and avoids picking up prose such as "Note: ...".
//
// # Example
//
//	t := ParseTrailers("fix pool\n\nRisk-Level: high\nDual-Review: yes")
//	t.Get("risk-level") // "high"
func ParseTrailers(message string) Trailers {
	trailers := make(Trailers)
	paragraphs := strings.Split(strings.TrimSpace(message), "\n\n")
	if len(paragraphs) < 2 {
		return trailers
	}
	last := paragraphs[len(paragraphs)-1]

	parsed := make(Trailers)
	scanner := bufio.NewScanner(strings.NewReader(last))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return trailers
		}
		parsed[strings.ToLower(key)] = strings.TrimSpace(value)
	}
	return parsed
}

// Get returns the trailer value for key, case-insensitively.
func (t Trailers) Get(key string) string {
	return t[strings.ToLower(key)]
}

// Flag reports whether the trailer is set to an affirmative value.
func (t Trailers) Flag(key string) bool {
	switch strings.ToLower(t.Get(key)) {
	case "yes", "y", "true", "1", "required", "on":
		return true
	}
	return false
}

// Int returns the trailer parsed as an int, or 0 when absent or invalid.
func (t Trailers) Int(key string) int {
	n, err := strconv.Atoi(t.Get(key))
	if err != nil {
		return 0
	}
	return n
}
