// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bisect

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

// Step is one runner invocation.
type Step struct {
	Iteration int           `json:"iteration"`
	SHA       string        `json:"sha"`
	Index     int           `json:"index"`
	Verdict   Verdict       `json:"verdict"`
	Priority  float64       `json:"priority,omitempty"`
	Endpoint  bool          `json:"endpoint,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Remediation lists what to do about the incident.
type Remediation struct {
	// Immediate is the command that undoes the culprit (or suspect range).
	Immediate string `json:"immediate"`

	// Preventive are follow-ups that would have caught the regression.
	Preventive []string `json:"preventive"`
}

// IncidentReport is the immutable result of a bisect session.
type IncidentReport struct {
	SessionID           string           `json:"session_id"`
	GoodSHA             string           `json:"good_sha"`
	BadSHA              string           `json:"bad_sha"`
	RootCauseSHA        string           `json:"root_cause_sha,omitempty"`
	RootCause           *vcs.Commit      `json:"root_cause,omitempty"`
	SuspectRange        []string         `json:"suspect_range"`
	Converged           bool             `json:"converged"`
	Confidence          float64          `json:"confidence"`
	StepsTaken          int              `json:"steps_taken"`
	TheoreticalMinSteps int              `json:"theoretical_min_steps"`
	IntervalSize        int              `json:"interval_size"`
	Skipped             int              `json:"skipped"`
	AffectedAssessment  *risk.Assessment `json:"affected_assessment,omitempty"`
	Remediation         Remediation      `json:"remediation"`
	Incident            Incident         `json:"incident"`
	Reason              string           `json:"reason"`
	Verdicts            []Step           `json:"verdicts"`
	StartedAt           time.Time        `json:"started_at"`
	CompletedAt         time.Time        `json:"completed_at"`
}

var markdownTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"short": vcs.Short,
	"pct":   func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}).Parse(`# Incident Report {{.SessionID}}

**Range**: ` + "`{{short .GoodSHA}}..{{short .BadSHA}}`" + ` ({{.IntervalSize}} commits)
{{- with .Incident.Type}}
**Incident type**: {{.}}{{end}}
{{- with .Incident.Metric}}
**Metric**: {{.}}{{end}}

## Root Cause

{{if .Converged -}}
- **Commit**: ` + "`{{short .RootCauseSHA}}`" + `
{{- with .RootCause}}
- **Author**: {{.Author}}
- **Message**: {{.Subject}}{{end}}
{{- else -}}
Not isolated. Suspect range, oldest first:
{{range .SuspectRange}}
- ` + "`{{short .}}`" + `{{end}}
{{- end}}
- **Confidence**: {{pct .Confidence}}
- **Reason**: {{.Reason}}
{{- with .AffectedAssessment}}
- **Prior risk**: {{printf "%.1f" .Score}} ({{.Tier}}){{end}}

## Search

- Steps taken: {{.StepsTaken}} (binary search needs {{.TheoreticalMinSteps}})
- Skipped: {{.Skipped}}

| # | Commit | Verdict |
|---|--------|---------|
{{- range .Verdicts}}
| {{if .Endpoint}}-{{else}}{{.Iteration}}{{end}} | ` + "`{{short .SHA}}`" + ` | {{.Verdict}} |
{{- end}}

## Remediation

**Immediate**: ` + "`{{.Remediation.Immediate}}`" + `

{{range .Remediation.Preventive}}- {{.}}
{{end}}`))

// Markdown renders the report for humans.
func (r IncidentReport) Markdown() (string, error) {
	var buf bytes.Buffer
	if err := markdownTmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}
