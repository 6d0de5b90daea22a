// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/audit"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/bisect"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/storage/badger"
)

func sampleReport() bisect.IncidentReport {
	return bisect.IncidentReport{
		SessionID:           "session-1",
		GoodSHA:             "c000",
		BadSHA:              "c019",
		RootCauseSHA:        "c011",
		SuspectRange:        []string{"c011"},
		Converged:           true,
		Confidence:          1,
		StepsTaken:          5,
		TheoreticalMinSteps: 5,
		IntervalSize:        19,
		Reason:              "isolated to a single commit",
		Remediation:         bisect.Remediation{Immediate: "git revert --no-edit c011"},
	}
}

func TestReport_Dir(t *testing.T) {
	root := t.TempDir()
	d := NewDir(root)

	uris, err := Report(context.Background(), d, sampleReport())
	require.NoError(t, err)
	require.Len(t, uris, 2)
	assert.True(t, strings.HasSuffix(uris[0], "incidents/session-1/report.json"))

	data, err := os.ReadFile(filepath.Join(root, "incidents", "session-1", "report.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"root_cause_sha": "c011"`)

	md, err := os.ReadFile(filepath.Join(root, "incidents", "session-1", "report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Incident Report session-1")

	_, err = Report(context.Background(), d, sampleReport())
	assert.True(t, errors.Is(err, ErrExists))
}

func TestReport_RequiresSessionID(t *testing.T) {
	_, err := Report(context.Background(), NewDir(t.TempDir()), bisect.IncidentReport{})
	assert.Error(t, err)
}

func TestAudit_Dir(t *testing.T) {
	ctx := context.Background()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	trail, err := audit.Open(ctx, db, 4)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := trail.Append(ctx, audit.Event{Type: "ROLLBACK", Source: "rollout", Subject: "plan-1", Timestamp: time.Now()})
		require.NoError(t, err)
	}

	root := t.TempDir()
	uri, n, err := Audit(ctx, NewDir(root), trail, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, strings.HasSuffix(uri, "audit/2026-10-19.jsonl"))

	data, err := os.ReadFile(filepath.Join(root, "audit", "2026-10-19.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

func TestNewGCS_MissingCredentials(t *testing.T) {
	_, err := NewGCS(context.Background(), GCSConfig{Bucket: "b", CredentialsFile: "/nonexistent/key.json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account key not found")

	_, err = NewGCS(context.Background(), GCSConfig{})
	assert.Error(t, err)
}

func TestGCS_PutAgainstEmulator(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bucket":"release-archive","name":"ci/incidents/session-1/report.json","generation":"1"}`))
	}))
	defer ts.Close()
	t.Setenv("STORAGE_EMULATOR_HOST", strings.TrimPrefix(ts.URL, "http://"))

	ctx := context.Background()
	g, err := NewGCS(ctx, GCSConfig{Bucket: "release-archive", Prefix: "ci"})
	require.NoError(t, err)
	defer g.Close()

	uri, err := g.Put(ctx, "incidents/session-1/report.json", ContentTypeJSON, strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://release-archive/ci/incidents/session-1/report.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, paths)
	assert.Contains(t, paths[0], "/b/release-archive/o")
	assert.Contains(t, bodies[0], `{"ok":true}`)
}
