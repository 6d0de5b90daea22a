// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/audit"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/bisect"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
	"github.com/AleutianAI/AleutianRelease/pkg/ux"
)

// =============================================================================
// OUTPUT FUNCTIONS
// =============================================================================

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func severityOf(t risk.Tier) ux.Severity {
	switch t {
	case risk.TierMedium:
		return ux.SeverityMedium
	case risk.TierHigh:
		return ux.SeverityHigh
	case risk.TierCritical:
		return ux.SeverityCritical
	default:
		return ux.SeverityLow
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func renderAssessment(p *ux.Printer, a risk.Assessment, explain bool) {
	p.Title("Risk Assessment " + vcs.Short(a.CommitSHA))
	p.KeyValues([][2]string{
		{"Score", fmt.Sprintf("%.1f", a.Score)},
		{"Tier", p.Badge(severityOf(a.Tier), string(a.Tier))},
		{"Strategy", string(a.Strategy)},
		{"Approvals", strconv.Itoa(a.ApprovalsRequired)},
	})
	if len(a.Domains) > 0 {
		p.Info("Domains: " + strings.Join(a.Domains, ", "))
	}
	for _, r := range a.Reasons {
		p.Info(string(ux.IconBullet) + " " + r)
	}

	if explain {
		keys := make([]string, 0, len(a.Breakdown))
		for k := range a.Breakdown {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			c := a.Breakdown[k]
			rows = append(rows, []string{k, fmt.Sprintf("%.1f", c.Raw), fmt.Sprintf("%.2f", c.Weight), fmt.Sprintf("%.2f", c.Contribution)})
		}
		p.Table([]string{"FACTOR", "RAW", "WEIGHT", "CONTRIBUTION"}, rows)
	}
	p.Muted("Recommendation: " + a.Recommendation)
}

func renderPlan(p *ux.Printer, pl *plan.Plan) {
	p.Title(fmt.Sprintf("Deployment Plan %s", pl.ID))
	p.KeyValues([][2]string{
		{"Version", pl.Version},
		{"Commit", vcs.Short(pl.Assessment.CommitSHA)},
		{"Strategy", string(pl.Assessment.Strategy)},
		{"Tier", p.Badge(severityOf(pl.Assessment.Tier), string(pl.Assessment.Tier))},
		{"Status", string(pl.Status)},
	})

	rows := make([][]string, 0, len(pl.Stages))
	for i, s := range pl.Stages {
		thresholds := make([]string, 0, len(s.Thresholds))
		for _, t := range s.Thresholds {
			thresholds = append(thresholds, t.String())
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			s.Name,
			formatFloat(s.TrafficPercent) + "%",
			s.MinSoak.String(),
			strconv.Itoa(s.ApprovalsRequired),
			strings.Join(thresholds, ", "),
		})
	}
	p.Table([]string{"#", "STAGE", "TRAFFIC", "SOAK", "APPROVALS", "THRESHOLDS"}, rows)
}

func renderEvent(p *ux.Printer, ev rollout.Event) {
	if p.Machine() {
		fmt.Fprintf(p.Out, "EVENT\t%s\t%s\t%d\t%s\t%s\n",
			ev.Timestamp.Format(time.RFC3339), ev.Type, ev.StageIndex, formatFloat(ev.TrafficPercent), ev.Reason)
		return
	}

	line := fmt.Sprintf("[stage %d, %s%%] %s", ev.StageIndex, formatFloat(ev.TrafficPercent), ev.Type)
	if ev.Reason != "" {
		line += " (" + ev.Reason + ")"
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	switch ev.Type {
	case rollout.EventSucceeded, rollout.EventStagePromoted, rollout.EventApproved:
		p.Success(line)
	case rollout.EventRollback, rollout.EventFailed:
		p.Error(line)
	case rollout.EventProbeFailure, rollout.EventAwaitingApproval:
		p.Warning(line)
	default:
		p.Info(line)
	}
}

func renderResult(p *ux.Printer, res rollout.Result) {
	body := fmt.Sprintf("status %s after %d promotions in %s", res.Status, res.Promotions, res.Duration.Round(time.Millisecond))
	if res.Reason != "" {
		body += "\nreason " + res.Reason
	}
	if res.Breach != nil {
		body += fmt.Sprintf("\nbreach %s = %s at stage %d",
			res.Breach.Threshold, formatFloat(res.Breach.Sample.Value), res.Breach.Sample.StageIndex)
	}
	if res.Message != "" {
		body += "\n" + res.Message
	}
	if res.Status == plan.StatusSucceeded {
		p.Box("Rollout "+res.PlanID, body)
		return
	}
	p.WarningBox("Rollout "+res.PlanID, body)
}

func renderReport(p *ux.Printer, rep bisect.IncidentReport) {
	p.Title("Incident Report " + rep.SessionID)
	pairs := [][2]string{
		{"Range", fmt.Sprintf("%s..%s (%d commits)", vcs.Short(rep.GoodSHA), vcs.Short(rep.BadSHA), rep.IntervalSize)},
		{"Converged", strconv.FormatBool(rep.Converged)},
		{"Confidence", fmt.Sprintf("%.0f%%", rep.Confidence*100)},
		{"Steps", fmt.Sprintf("%d (binary search: %d)", rep.StepsTaken, rep.TheoreticalMinSteps)},
		{"Reason", rep.Reason},
	}
	if rep.Converged {
		pairs = append(pairs, [2]string{"Root cause", vcs.Short(rep.RootCauseSHA)})
		if rep.RootCause != nil {
			pairs = append(pairs, [2]string{"Author", rep.RootCause.Author}, [2]string{"Subject", rep.RootCause.Subject()})
		}
	} else {
		short := make([]string, len(rep.SuspectRange))
		for i, sha := range rep.SuspectRange {
			short[i] = vcs.Short(sha)
		}
		pairs = append(pairs, [2]string{"Suspects", strings.Join(short, " ")})
	}
	if a := rep.AffectedAssessment; a != nil {
		pairs = append(pairs, [2]string{"Prior risk", fmt.Sprintf("%.1f (%s)", a.Score, a.Tier)})
	}
	p.KeyValues(pairs)

	rows := make([][]string, 0, len(rep.Verdicts))
	for _, s := range rep.Verdicts {
		iter := strconv.Itoa(s.Iteration)
		if s.Endpoint {
			iter = "-"
		}
		rows = append(rows, []string{iter, vcs.Short(s.SHA), string(s.Verdict), s.Duration.Round(time.Millisecond).String()})
	}
	p.Table([]string{"#", "COMMIT", "VERDICT", "DURATION"}, rows)

	if rep.Remediation.Immediate != "" {
		p.Info("Immediate: " + rep.Remediation.Immediate)
	}
	for _, s := range rep.Remediation.Preventive {
		p.Info(string(ux.IconArrow) + " " + s)
	}
}

func renderVerify(p *ux.Printer, rep audit.VerifyReport) {
	p.KeyValues([][2]string{
		{"Records", strconv.FormatInt(rep.Total, 10)},
		{"Last index", strconv.FormatInt(rep.LastIndex, 10)},
		{"Last hash", rep.LastHash},
		{"Roots checked", strconv.Itoa(rep.RootsChecked)},
	})
	if rep.OK {
		p.Success("audit trail intact")
		return
	}
	for _, e := range rep.Errors {
		p.Error(e)
	}
}
