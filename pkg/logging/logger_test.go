// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_ConsoleLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Output: &buf, Service: "cli"})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("plan built")
	l.Slog().Warn("approval pending", slog.String("plan", "plan-1"))

	out := buf.String()
	assert.NotContains(t, out, "plan built")
	assert.Contains(t, out, "approval pending")
	assert.Contains(t, out, "service=cli")
	assert.Contains(t, out, "plan=plan-1")
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{JSON: true, Output: &buf})
	require.NoError(t, err)

	l.Slog().Info("rollback", slog.String("reason", "THRESHOLD_BREACH"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "rollback", rec["msg"])
	assert.Equal(t, "THRESHOLD_BREACH", rec["reason"])
}

func TestNew_FileAndConsole(t *testing.T) {
	var buf bytes.Buffer
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := New(Config{LogDir: dir, Service: "serve", Output: &buf})
	require.NoError(t, err)

	l.Slog().With(slog.String("component", "rollout")).Info("stage promoted")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.True(t, strings.HasPrefix(filepath.Base(l.FilePath()), "serve_"))
	data, err := os.ReadFile(l.FilePath())
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "stage promoted", rec["msg"])
	assert.Equal(t, "rollout", rec["component"])
	assert.Equal(t, "serve", rec["service"])
	assert.Contains(t, buf.String(), "stage promoted")
}

func TestNew_QuietWithoutFile(t *testing.T) {
	l, err := New(Config{Quiet: true})
	require.NoError(t, err)
	assert.NotPanics(t, func() { l.Slog().Error("dropped") })
	assert.NoError(t, l.Close())
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
