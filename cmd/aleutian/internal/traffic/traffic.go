// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traffic provides TrafficController implementations for the
// rollout orchestrator.
//
// HTTPController posts weight changes to a routing control plane.
// FileController writes the desired split to a YAML file for a proxy or
// mesh reloader to pick up. LogController only logs, for dry runs.
package traffic

import (
	"context"
	"fmt"
	"log/slog"
)

// Split is the desired traffic split for a release.
type Split struct {
	Version string  `json:"version" yaml:"version"`
	Percent float64 `json:"percent" yaml:"percent"`
}

func validate(version string, percent float64) error {
	if version == "" {
		return fmt.Errorf("version is required")
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("percent %.2f out of range [0,100]", percent)
	}
	return nil
}

// LogController logs every shift and never fails.
type LogController struct {
	logger *slog.Logger
}

// NewLogController creates a LogController. A nil logger uses slog.Default.
func NewLogController(logger *slog.Logger) *LogController {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogController{logger: logger.With(slog.String("component", "traffic.log"))}
}

// SetTraffic implements rollout.TrafficController.
func (c *LogController) SetTraffic(ctx context.Context, version string, percent float64) error {
	if err := validate(version, percent); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "traffic shift (dry run)",
		slog.String("version", version),
		slog.Float64("percent", percent))
	return nil
}
