// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package risk scores changesets and selects a deployment strategy.
//
// The risk package combines five factors into a single 0-100 score, maps
// the score to a tier, and maps the tier to a deployment strategy and an
// approval count.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                    Risk Assessment Pipeline                     │
//	├─────────────────────────────────────────────────────────────────┤
//	│                                                                 │
//	│  vcs.Commit (files, line deltas, message, trailers)             │
//	│         │                                                       │
//	│         ▼                                                       │
//	│  ┌──────────┬──────────┬──────────┬──────────┬──────────┐       │
//	│  │ Critical │ Change   │ Domain   │ History  │ Test     │       │
//	│  │ Path     │ Magnitude│ Signal   │ (100-r)  │ Coverage │       │
//	│  │  (0.30)  │  (0.25)  │  (0.20)  │  (0.15)  │  (0.10)  │       │
//	│  └──────────┴──────────┴──────────┴──────────┴──────────┘       │
//	│         │                                                       │
//	│         ▼                                                       │
//	│   Scorer: weighted sum -> Tier -> Strategy, Approvals           │
//	│                                                                 │
//	└─────────────────────────────────────────────────────────────────┘
//
// Analyzer extracts Factors from a commit. Scorer is the pure part: the
// same Factors and Overrides always produce the same Assessment.
//
// # Overrides
//
// Commit trailers (Risk-Level, Dual-Review, Approvals-Required) can raise
// the tier or the approval count. Nothing can lower them.
//
// # Thread Safety
//
// All exported types in this package are safe for concurrent use.
//
// # Algorithm Versioning
//
// The scoring algorithm is versioned to ensure reproducibility. When making
// changes that affect risk calculations, increment AlgorithmVersion.
package risk
