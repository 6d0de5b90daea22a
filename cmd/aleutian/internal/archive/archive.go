// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive stores incident reports and audit exports outside the
// local machine.
//
// Two backends exist: Google Cloud Storage for shared archives and a
// local directory for offline use and tests. Objects are written once
// and never modified.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/bisect"
)

// Content types used for archived objects.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeMarkdown = "text/markdown; charset=utf-8"
	ContentTypeJSONL    = "application/x-ndjson"
)

// Archiver writes named objects.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Archiver interface {
	// Put stores the content of r under name and returns its URI.
	Put(ctx context.Context, name, contentType string, r io.Reader) (string, error)
}

// Exporter writes a JSONL export of an audit trail. audit.Trail
// satisfies it.
type Exporter interface {
	Export(ctx context.Context, w io.Writer) (int, error)
}

// ReportPrefix is the object prefix for incident reports.
const ReportPrefix = "incidents"

// AuditPrefix is the object prefix for audit exports.
const AuditPrefix = "audit"

// Report archives an incident report as JSON and Markdown under
// incidents/<session id>/ and returns the URIs written.
func Report(ctx context.Context, a Archiver, rep bisect.IncidentReport) ([]string, error) {
	if rep.SessionID == "" {
		return nil, fmt.Errorf("archive: report has no session id")
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: encoding report: %w", err)
	}
	md, err := rep.Markdown()
	if err != nil {
		return nil, fmt.Errorf("archive: rendering report: %w", err)
	}

	dir := path.Join(ReportPrefix, rep.SessionID)
	jsonURI, err := a.Put(ctx, path.Join(dir, "report.json"), ContentTypeJSON, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	mdURI, err := a.Put(ctx, path.Join(dir, "report.md"), ContentTypeMarkdown, bytes.NewBufferString(md))
	if err != nil {
		return []string{jsonURI}, err
	}
	return []string{jsonURI, mdURI}, nil
}

// Audit archives a full audit export under audit/<name>.jsonl. It returns
// the URI and the number of records exported.
func Audit(ctx context.Context, a Archiver, trail Exporter, name string) (string, int, error) {
	var buf bytes.Buffer
	n, err := trail.Export(ctx, &buf)
	if err != nil {
		return "", 0, fmt.Errorf("archive: exporting audit trail: %w", err)
	}
	uri, err := a.Put(ctx, path.Join(AuditPrefix, name+".jsonl"), ContentTypeJSONL, &buf)
	if err != nil {
		return "", 0, err
	}
	return uri, n, nil
}
