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
	"fmt"
	"path"
	"strings"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

// hintRule adds a preventive hint when any keyword appears in a suspect's
// message or paths, or any suspect touches a file with one of exts.
type hintRule struct {
	keywords []string
	exts     []string
	hint     string
}

var hintRules = []hintRule{
	{
		keywords: []string{"perf", "optimiz", "slow", "latency", "throughput"},
		hint:     "Add a benchmark for the changed code path and gate merges on it",
	},
	{
		keywords: []string{"database", "query", "sql", "migration", "index"},
		exts:     []string{".sql"},
		hint:     "Review query plans and run migrations against a production-sized dataset",
	},
	{
		keywords: []string{"api", "endpoint", "handler", "contract", "schema"},
		exts:     []string{".proto"},
		hint:     "Add contract tests for the changed API surface",
	},
	{
		keywords: []string{"cache", "ttl", "invalidat"},
		hint:     "Test cache invalidation and expiry under concurrent load",
	},
	{
		keywords: []string{"goroutine", "mutex", "channel", "concurren", "race", "deadlock"},
		hint:     "Run the affected Go packages under the race detector in CI",
	},
	{
		keywords: []string{"config", "flag", "setting"},
		exts:     []string{".yaml", ".yml", ".toml", ".json", ".ini", ".env"},
		hint:     "Validate configuration changes in CI before they reach a rollout",
	},
}

var incidentHints = map[string]string{
	"performance": "Alert on the regressed metric before it breaches its threshold",
	"security":    "Require security review for changes to auth and token handling",
	"clinical":    "Run clinical safety validation for device-facing changes before release",
}

// Remediate derives remediation advice for a report and its suspects.
//
// # Description
//
// The immediate action reverts the root cause, or the whole suspect range
// when the search did not converge. Preventive hints come from keywords in
// the suspects' messages and paths, the incident type, the prior risk
// assessment and missing tests. Hints are deduplicated and keep a stable
// order.
func Remediate(rep IncidentReport, suspects []vcs.Commit) Remediation {
	var rem Remediation
	switch {
	case rep.Converged:
		rem.Immediate = "git revert --no-edit " + rep.RootCauseSHA
	case len(suspects) > 0:
		rem.Immediate = fmt.Sprintf("git revert --no-edit %s^..%s", suspects[0].SHA, suspects[len(suspects)-1].SHA)
	}

	seen := make(map[string]bool)
	add := func(h string) {
		if !seen[h] {
			seen[h] = true
			rem.Preventive = append(rem.Preventive, h)
		}
	}

	var text strings.Builder
	exts := make(map[string]bool)
	untested := false
	for _, c := range suspects {
		text.WriteString(strings.ToLower(c.Message))
		text.WriteByte(' ')
		hasTest, hasCode := false, false
		for _, f := range c.Files {
			text.WriteString(strings.ToLower(f.Path))
			text.WriteByte(' ')
			exts[strings.ToLower(path.Ext(f.Path))] = true
			if vcs.IsTestFile(f.Path) {
				hasTest = true
			} else if vcs.IsCodeFile(f.Path) {
				hasCode = true
			}
		}
		if hasCode && !hasTest {
			untested = true
		}
	}
	corpus := text.String()

	for _, rule := range hintRules {
		if matchesAny(corpus, rule.keywords) || hasAnyExt(exts, rule.exts) {
			add(rule.hint)
		}
	}

	if h, ok := incidentHints[strings.ToLower(rep.Incident.Type)]; ok {
		if rep.Incident.Metric != "" {
			h = fmt.Sprintf("%s (%s)", h, rep.Incident.Metric)
		}
		add(h)
	}

	switch a := rep.AffectedAssessment; {
	case a == nil:
		add("Score commits before merge so future investigations can use their risk")
	case !a.Tier.Exceeds(risk.TierMedium):
		add(fmt.Sprintf("Recalibrate risk rules: the culprit was scored %.1f (%s)", a.Score, a.Tier))
	}

	if untested {
		add("Add tests next to the changed code; the culprit changed code without tests")
	}
	add("Add a regression test that reproduces this incident")
	return rem
}

func matchesAny(corpus string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(corpus, k) {
			return true
		}
	}
	return false
}

func hasAnyExt(exts map[string]bool, want []string) bool {
	for _, e := range want {
		if exts[e] {
			return true
		}
	}
	return false
}
