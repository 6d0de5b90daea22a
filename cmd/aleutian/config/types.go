// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/archive"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/audit"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/bisect"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/history"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/probe"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/telemetry"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/traffic"
	"github.com/AleutianAI/AleutianRelease/pkg/logging"
)

// ReleaseConfig is the content of release.yaml.
type ReleaseConfig struct {
	// Scoring holds the scorer weights, tier thresholds and approvals.
	Scoring risk.ScoringConfig `yaml:"scoring" validate:"-"`

	// CriticalPaths and Domains drive factor extraction.
	CriticalPaths       []risk.PathRule `yaml:"critical_paths" validate:"dive"`
	Domains             []risk.Domain   `yaml:"domains" validate:"dive"`
	MagnitudeSaturation int             `yaml:"magnitude_saturation" validate:"gte=0"`

	// Strategies are the stage templates per deployment strategy.
	Strategies plan.StrategyConfig `yaml:"strategies" validate:"-"`

	Rollout   RolloutConfig    `yaml:"rollout"`
	Bisect    BisectConfig     `yaml:"bisect"`
	Storage   StorageConfig    `yaml:"storage"`
	Probe     ProbeConfig      `yaml:"probe"`
	Traffic   TrafficConfig    `yaml:"traffic"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Server    ServerConfig     `yaml:"server"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
}

// RolloutConfig configures the orchestrator.
type RolloutConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	ProbeFailureBudget int           `yaml:"probe_failure_budget" validate:"gte=1"`
	TrafficTimeout     time.Duration `yaml:"traffic_timeout" validate:"gt=0"`
	RollbackTimeout    time.Duration `yaml:"rollback_timeout" validate:"gt=0"`
	ApprovalTimeout    time.Duration `yaml:"approval_timeout" validate:"gte=0"`

	// HaltFile cancels running rollouts when it appears.
	HaltFile string `yaml:"halt_file"`
}

// Orchestrator converts the section to a rollout.Config.
func (c RolloutConfig) Orchestrator() rollout.Config {
	cfg := rollout.DefaultConfig()
	cfg.PollInterval = c.PollInterval
	cfg.ProbeTimeout = c.ProbeTimeout
	cfg.ProbeFailureBudget = c.ProbeFailureBudget
	cfg.TrafficTimeout = c.TrafficTimeout
	cfg.RollbackTimeout = c.RollbackTimeout
	cfg.ApprovalTimeout = c.ApprovalTimeout
	return cfg
}

// BisectConfig configures the bisect engine and its test command.
type BisectConfig struct {
	MaxIterations int           `yaml:"max_iterations" validate:"gte=0"`
	RunTimeout    time.Duration `yaml:"run_timeout" validate:"gt=0"`

	// CentralityWeight and RiskWeight weight the candidate priority.
	CentralityWeight float64 `yaml:"centrality_weight" validate:"gte=0,lte=1"`
	RiskWeight       float64 `yaml:"risk_weight" validate:"gte=0,lte=1"`

	// Command is the default test command for `bisect`.
	Command string `yaml:"command"`
	Shell   string `yaml:"shell"`

	// Checkout runs git checkout before each test.
	Checkout bool `yaml:"checkout"`
}

// Engine converts the section to a bisect.Config.
func (c BisectConfig) Engine() bisect.Config {
	cfg := bisect.DefaultConfig()
	cfg.MaxIterations = c.MaxIterations
	cfg.RunTimeout = c.RunTimeout
	cfg.Prioritizer = bisect.RiskWeighted{CentralityWeight: c.CentralityWeight, RiskWeight: c.RiskWeight}
	return cfg
}

// StorageConfig locates the local database.
type StorageConfig struct {
	// Dir holds the badger database. ~ expands to the home directory.
	Dir string `yaml:"dir" validate:"required"`

	// HistoryWindow is the number of recent outcomes per path used for
	// reliability.
	HistoryWindow int `yaml:"history_window" validate:"gte=1"`

	// AuditBatchSize is the number of audit records per Merkle root.
	AuditBatchSize int `yaml:"audit_batch_size" validate:"gte=1"`

	// DirectoryPrior lets a never-deployed path inherit its directory's
	// reliability. Off by default: new code scores as fully reliable.
	DirectoryPrior bool `yaml:"directory_prior"`
}

// Probe types.
const (
	ProbeStatic     = "static"
	ProbePrometheus = "prometheus"
	ProbeInflux     = "influx"
)

// ProbeConfig selects and configures the health probe.
type ProbeConfig struct {
	Type       string                  `yaml:"type" validate:"oneof=static prometheus influx"`
	Static     map[string]float64      `yaml:"static,omitempty"`
	Prometheus *probe.PrometheusConfig `yaml:"prometheus,omitempty" validate:"required_if=Type prometheus"`
	Influx     *probe.InfluxConfig     `yaml:"influx,omitempty" validate:"required_if=Type influx"`
}

// Traffic controller types.
const (
	TrafficLog  = "log"
	TrafficFile = "file"
	TrafficHTTP = "http"
)

// TrafficConfig selects and configures the traffic controller.
type TrafficConfig struct {
	Type string              `yaml:"type" validate:"oneof=log file http"`
	File string              `yaml:"file,omitempty" validate:"required_if=Type file"`
	HTTP *traffic.HTTPConfig `yaml:"http,omitempty" validate:"required_if=Type http"`
}

// Archive types.
const (
	ArchiveNone = "none"
	ArchiveDir  = "dir"
	ArchiveGCS  = "gcs"
)

// ArchiveConfig selects where incident reports are archived.
type ArchiveConfig struct {
	Type string             `yaml:"type" validate:"oneof=none dir gcs"`
	Dir  string             `yaml:"dir,omitempty" validate:"required_if=Type dir"`
	GCS  *archive.GCSConfig `yaml:"gcs,omitempty" validate:"required_if=Type gcs"`
}

// ServerConfig configures `serve`.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ReleaseConfig {
	orch := rollout.DefaultConfig()
	prio := bisect.DefaultPrioritizer()

	return ReleaseConfig{
		Scoring:             risk.DefaultScoringConfig(),
		CriticalPaths:       risk.DefaultCriticalPaths(),
		Domains:             risk.DefaultDomains(),
		MagnitudeSaturation: risk.DefaultMagnitudeSaturation,
		Strategies:          plan.DefaultStrategyConfig(),
		Rollout: RolloutConfig{
			PollInterval:       orch.PollInterval,
			ProbeTimeout:       orch.ProbeTimeout,
			ProbeFailureBudget: orch.ProbeFailureBudget,
			TrafficTimeout:     orch.TrafficTimeout,
			RollbackTimeout:    orch.RollbackTimeout,
			ApprovalTimeout:    orch.ApprovalTimeout,
			HaltFile:           "~/.aleutian/HALT",
		},
		Bisect: BisectConfig{
			RunTimeout:       30 * time.Minute,
			CentralityWeight: prio.CentralityWeight,
			RiskWeight:       prio.RiskWeight,
			Shell:            "sh",
			Checkout:         true,
		},
		Storage: StorageConfig{
			Dir:            "~/.aleutian/release-db",
			HistoryWindow:  history.DefaultWindow,
			AuditBatchSize: audit.DefaultBatchSize,
		},
		Probe: ProbeConfig{
			Type:   ProbeStatic,
			Static: map[string]float64{"error_rate": 0, "latency_p99_ms": 0},
		},
		Traffic: TrafficConfig{Type: TrafficLog},
		Archive: ArchiveConfig{Type: ArchiveNone},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8090",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.Config{Level: logging.LevelInfo, Service: "aleutian-release"},
	}
}
