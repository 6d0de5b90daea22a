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
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Personality Tests
// =============================================================================

func TestParsePersonalityLevel(t *testing.T) {
	tests := map[string]PersonalityLevel{
		"full":    PersonalityFull,
		"MINIMAL": PersonalityMinimal,
		"m":       PersonalityMinimal,
		"machine": PersonalityMachine,
		" quiet ": PersonalityMachine,
		"fancy":   PersonalityFull,
		"":        PersonalityFull,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParsePersonalityLevel(in), in)
	}
}

func TestDetectPersonality(t *testing.T) {
	assert.Equal(t, PersonalityMinimal, DetectPersonality("minimal", 0))

	// An invalid descriptor is never a terminal.
	assert.Equal(t, PersonalityMachine, DetectPersonality("", ^uintptr(0)))
}

func TestSetPersonality_Concurrent(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetPersonality(PersonalityMinimal)
		}()
		go func() {
			defer wg.Done()
			_ = GetPersonality()
		}()
	}
	wg.Wait()
	assert.Equal(t, PersonalityMinimal, GetPersonality())
}

// =============================================================================
// Printer Tests
// =============================================================================

func machinePrinter() (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut, PersonalityMachine), &out, &errOut
}

func TestPrinter_MachineMode(t *testing.T) {
	p, out, errOut := machinePrinter()

	p.Title("ignored")
	p.Muted("ignored")
	p.Success("done")
	p.Info("plain")
	p.Warning("careful")
	p.Error("broken")

	assert.Equal(t, "OK: done\nplain\n", out.String())
	assert.Equal(t, "WARN: careful\nERROR: broken\n", errOut.String())
}

func TestPrinter_KeyValues(t *testing.T) {
	p, out, _ := machinePrinter()
	p.KeyValues([][2]string{{"Risk Score", "42.0"}, {"tier", "MEDIUM"}})
	assert.Equal(t, "risk_score=42.0\ntier=MEDIUM\n", out.String())

	var full bytes.Buffer
	NewPrinter(&full, nil, PersonalityFull).KeyValues([][2]string{{"a", "1"}, {"longer", "2"}})
	lines := strings.Split(strings.TrimSpace(full.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "a:")
	assert.Contains(t, lines[1], "2")
}

func TestPrinter_Table(t *testing.T) {
	p, out, _ := machinePrinter()
	p.Table([]string{"STAGE", "TRAFFIC"}, [][]string{{"canary", "10"}, {"full", "100"}})
	assert.Equal(t, "STAGE\tTRAFFIC\ncanary\t10\nfull\t100\n", out.String())

	var full bytes.Buffer
	NewPrinter(&full, nil, PersonalityFull).Table([]string{"STAGE"}, [][]string{{"canary"}})
	assert.Contains(t, full.String(), "canary")
	assert.Contains(t, full.String(), "STAGE")
}

func TestPrinter_Box(t *testing.T) {
	var out bytes.Buffer
	NewPrinter(&out, nil, PersonalityMinimal).Box("Verdict", "ROLLED_BACK")
	assert.Equal(t, "Verdict: ROLLED_BACK\n", out.String())

	out.Reset()
	NewPrinter(&out, nil, PersonalityFull).Box("Verdict", "COMPLETED")
	assert.Contains(t, out.String(), "COMPLETED")
	assert.Contains(t, out.String(), "╭")
}

func TestPrinter_ProgressBar(t *testing.T) {
	p, _, _ := machinePrinter()
	assert.Equal(t, "3/4", p.ProgressBar(3, 4, 10))

	full := NewPrinter(&bytes.Buffer{}, nil, PersonalityFull)
	assert.Contains(t, full.ProgressBar(5, 10, 10), " 50%")
	assert.Contains(t, full.ProgressBar(20, 10, 10), "100%")
	assert.Equal(t, "0/0", full.ProgressBar(0, 0, 10))
}

func TestBadge(t *testing.T) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		assert.Contains(t, Badge(sev, "TIER"), "TIER")
	}
	p, _, _ := machinePrinter()
	assert.Equal(t, "CRITICAL", p.Badge(SeverityCritical, "CRITICAL"))
}

// =============================================================================
// Spinner Tests
// =============================================================================

func TestSpinner_MachineMode(t *testing.T) {
	p, out, errOut := machinePrinter()
	s := p.NewSpinner("bisecting")
	s.Start()
	s.Start()
	s.Update("bisecting 3 left")
	s.Update("bisecting 3 left")
	s.Stop()
	s.Stop()
	s.Update("after stop")

	assert.Equal(t, "PROGRESS: bisecting\nPROGRESS: bisecting 3 left\n", errOut.String())
	assert.Empty(t, out.String())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_FullMode(t *testing.T) {
	var out syncBuffer
	s := NewPrinter(&out, nil, PersonalityFull).NewSpinner("testing abc123")
	s.Start()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "testing abc123")
	}, time.Second, 10*time.Millisecond)
	s.Stop()
	assert.True(t, strings.HasSuffix(out.String(), "\r\033[K"))
}
