// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import (
	"sort"
	"strings"
)

// PathRule scores paths that contain Prefix at a segment boundary.
type PathRule struct {
	Prefix string  `json:"prefix" yaml:"prefix" validate:"required"`
	Score  float64 `json:"score" yaml:"score" validate:"gte=0,lte=100"`
}

// Matches reports whether p contains the rule prefix at the start of a
// path segment. "payment-gateway/" matches "services/payment-gateway/pool.go"
// but not "services/old-payment-gateway/pool.go".
func (r PathRule) Matches(p string) bool {
	prefix := strings.TrimPrefix(r.Prefix, "/")
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(p, prefix) || strings.Contains(p, "/"+prefix)
}

// DefaultCriticalPaths returns the built-in critical path rules.
func DefaultCriticalPaths() []PathRule {
	return []PathRule{
		{Prefix: "payment-gateway/", Score: 90},
		{Prefix: "auth-service/", Score: 85},
		{Prefix: "patient-data-service/", Score: 95},
		{Prefix: "phi-service/", Score: 100},
		{Prefix: "medical-device/", Score: 100},
	}
}

// Domain is a compliance domain recognised from paths and commit text.
type Domain struct {
	Name          string   `json:"name" yaml:"name" validate:"required"`
	Score         float64  `json:"score" yaml:"score" validate:"gte=0,lte=100"`
	PathFragments []string `json:"path_fragments" yaml:"path_fragments"`
	Keywords      []string `json:"keywords" yaml:"keywords"`
	Reviewers     []string `json:"reviewers,omitempty" yaml:"reviewers,omitempty"`
}

// DefaultDomains returns HIPAA, FDA, SOX and PCI-DSS definitions.
func DefaultDomains() []Domain {
	return []Domain{
		{
			Name:          "HIPAA",
			Score:         90,
			PathFragments: []string{"patient", "phi", "health-record", "ehr", "medical-record"},
			Keywords:      []string{"phi", "patient", "hipaa", "medical record", "health information"},
			Reviewers:     []string{"privacy-officer"},
		},
		{
			Name:          "FDA",
			Score:         95,
			PathFragments: []string{"medical-device", "clinical", "dosage", "diagnostic"},
			Keywords:      []string{"fda", "clinical", "medical device", "dosage", "510(k)"},
			Reviewers:     []string{"clinical-safety"},
		},
		{
			Name:          "SOX",
			Score:         70,
			PathFragments: []string{"ledger", "accounting", "financial", "billing-report", "audit"},
			Keywords:      []string{"sox", "ledger", "financial report", "journal entry"},
			Reviewers:     []string{"finance-controls"},
		},
		{
			Name:          "PCI-DSS",
			Score:         85,
			PathFragments: []string{"payment", "card", "checkout", "cardholder"},
			Keywords:      []string{"pci", "cardholder", "card number", "pan", "payment"},
			Reviewers:     []string{"security-team"},
		},
	}
}

// matchDomains returns the names of domains matched by any path or by the
// message, in sorted order, and the domain signal value.
//
// The signal is the highest matched domain score plus 10 for each
// additional domain, capped at 100.
func matchDomains(domains []Domain, paths []string, message string, hinted []string) ([]string, float64) {
	msg := " " + strings.ToLower(message) + " "
	lowerPaths := make([]string, len(paths))
	for i, p := range paths {
		lowerPaths[i] = strings.ToLower(p)
	}
	hints := make(map[string]bool, len(hinted))
	for _, h := range hinted {
		hints[strings.ToUpper(strings.TrimSpace(h))] = true
	}

	var names []string
	best := 0.0
	for _, d := range domains {
		if !hints[strings.ToUpper(d.Name)] && !domainMatches(d, lowerPaths, msg) {
			continue
		}
		names = append(names, d.Name)
		if d.Score > best {
			best = d.Score
		}
	}
	if len(names) == 0 {
		return nil, 0
	}
	sort.Strings(names)
	return names, clamp(best + 10*float64(len(names)-1))
}

func domainMatches(d Domain, lowerPaths []string, paddedMsg string) bool {
	for _, frag := range d.PathFragments {
		frag = strings.ToLower(frag)
		for _, p := range lowerPaths {
			if strings.Contains(p, frag) {
				return true
			}
		}
	}
	for _, kw := range d.Keywords {
		if containsWord(paddedMsg, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// containsWord matches kw in s only when it is not embedded in a longer
// alphanumeric word, so "pan" does not match "expand".
func containsWord(s, kw string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], kw)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(kw)
		if !isWordByte(s, start-1) && !isWordByte(s, end) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return false
	}
	c := s[i]
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
