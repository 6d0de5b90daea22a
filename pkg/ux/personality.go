// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityEnv overrides the detected output level.
const PersonalityEnv = "ALEUTIAN_PERSONALITY"

// PersonalityLevel defines the verbosity and richness of CLI output
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons, boxes and tables
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal uses icons and plain text only
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs plain tab-separated text suitable for scripting
	PersonalityMachine PersonalityLevel = "machine"
)

var (
	currentLevel  = PersonalityFull
	personalityMu sync.RWMutex
)

// GetPersonality returns the current output level.
func GetPersonality() PersonalityLevel {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return currentLevel
}

// SetPersonality updates the current output level.
func SetPersonality(level PersonalityLevel) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentLevel = level
}

// ParsePersonalityLevel converts a string to PersonalityLevel. Unknown
// values map to full.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// InitPersonality picks the output level from PersonalityEnv, falling back
// to machine output when stdout is not a terminal.
func InitPersonality() PersonalityLevel {
	level := DetectPersonality(os.Getenv(PersonalityEnv), os.Stdout.Fd())
	SetPersonality(level)
	return level
}

// DetectPersonality resolves the level for an explicit setting and an
// output file descriptor.
func DetectPersonality(setting string, fd uintptr) PersonalityLevel {
	if setting != "" {
		return ParsePersonalityLevel(setting)
	}
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return PersonalityMachine
	}
	return PersonalityFull
}

// IsInteractive returns true if we should show interactive prompts and
// animations.
func IsInteractive() bool {
	fd := os.Stdout.Fd()
	return GetPersonality() != PersonalityMachine && (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
}
