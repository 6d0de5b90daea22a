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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/config"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/archive"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/audit"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/history"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/probe"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/storage/badger"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/telemetry"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/traffic"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
	"github.com/AleutianAI/AleutianRelease/pkg/logging"
	"github.com/AleutianAI/AleutianRelease/pkg/ux"
)

const closeTimeout = 10 * time.Second

// app holds the state shared by the commands of one invocation. Stores
// and backends are opened on first use and released by close.
type app struct {
	out    io.Writer
	errOut io.Writer
	opts   rootOptions

	cfg     config.ReleaseConfig
	cfgPath string
	logger  *logging.Logger
	log     *slog.Logger
	printer *ux.Printer
	tel     *telemetry.Provider

	db      *badger.DB
	trail   *audit.Trail
	history *history.Store

	closers []func(context.Context) error
}

// init loads configuration and sets up logging, output and telemetry.
func (a *app) init(cmd *cobra.Command) error {
	cfg, created, path, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg, a.cfgPath = cfg, path

	if a.opts.logLevel != "" {
		if _, err := logging.ParseLevel(a.opts.logLevel); err != nil {
			return err
		}
		a.cfg.Logging.Level = a.opts.logLevel
	}
	if a.opts.logJSON {
		a.cfg.Logging.JSON = true
	}
	a.cfg.Logging.Output = a.errOut

	a.logger, err = logging.New(a.cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	a.log = a.logger.Slog()
	slog.SetDefault(a.log)
	a.onClose(func(context.Context) error { return a.logger.Close() })

	level := ux.ParsePersonalityLevel(a.opts.personality)
	if a.opts.personality == "" {
		level = ux.DetectPersonality(os.Getenv(ux.PersonalityEnv), fdOf(a.out))
	}
	a.printer = ux.NewPrinter(a.out, a.errOut, level)

	if created {
		a.printer.Muted(fmt.Sprintf("Created default config at %s", path))
	}

	tcfg := a.cfg.Telemetry
	if cmd.Name() == "serve" && (tcfg.MetricExporter == "" || tcfg.MetricExporter == telemetry.ExporterNone) {
		tcfg.MetricExporter = telemetry.ExporterPrometheus
	}
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = version
	}
	a.tel, err = telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	a.onClose(a.tel.Shutdown)
	return nil
}

func (a *app) loadConfig() (config.ReleaseConfig, bool, string, error) {
	path := a.opts.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return config.ReleaseConfig{}, false, "", err
		}
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return config.ReleaseConfig{}, false, "", fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, created, path, nil
}

func fdOf(w io.Writer) uintptr {
	if f, ok := w.(*os.File); ok {
		return f.Fd()
	}
	return ^uintptr(0)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintf(a.errOut, "warning: cleanup: %v\n", err)
	}
}

// =============================================================================
// Stores
// =============================================================================

// openStores opens the badger database with the audit trail and outcome
// history on top.
func (a *app) openStores(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	dbCfg := badger.DefaultConfig(a.cfg.Storage.Dir)
	dbCfg.Logger = a.log
	db, err := badger.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", a.cfg.Storage.Dir, err)
	}
	a.onClose(func(context.Context) error { return db.Close() })

	trail, err := audit.Open(ctx, db, a.cfg.Storage.AuditBatchSize)
	if err != nil {
		return err
	}
	a.db = db
	a.trail = trail
	a.history = history.NewStore(db, a.cfg.Storage.HistoryWindow,
		history.WithDirectoryPrior(a.cfg.Storage.DirectoryPrior))
	return nil
}

// =============================================================================
// Domain components
// =============================================================================

func (a *app) graph() *vcs.GitGraph {
	return vcs.NewGitGraph(a.opts.repo)
}

// analyzer returns a risk analyzer that reads reliability from the
// outcome history. openStores must have been called.
func (a *app) analyzer() (*risk.Analyzer, error) {
	scorer, err := risk.NewScorer(a.cfg.Scoring)
	if err != nil {
		return nil, err
	}
	acfg := risk.AnalyzerConfig{
		CriticalPaths:       a.cfg.CriticalPaths,
		Domains:             a.cfg.Domains,
		MagnitudeSaturation: a.cfg.MagnitudeSaturation,
		Logger:              a.log,
	}
	if a.history != nil {
		acfg.Reliability = a.history
	}
	return risk.NewAnalyzer(scorer, acfg), nil
}

// probe builds the configured health probe.
func (a *app) probe() (rollout.HealthProbe, error) {
	switch a.cfg.Probe.Type {
	case config.ProbePrometheus:
		cfg := *a.cfg.Probe.Prometheus
		cfg.Logger = a.log
		return probe.NewPrometheus(cfg)
	case config.ProbeInflux:
		cfg := *a.cfg.Probe.Influx
		cfg.Logger = a.log
		p, err := probe.NewInflux(cfg)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { p.Close(); return nil })
		return p, nil
	default:
		return probe.NewStatic(a.cfg.Probe.Static), nil
	}
}

// traffic builds the configured traffic controller.
func (a *app) traffic() (rollout.TrafficController, error) {
	switch a.cfg.Traffic.Type {
	case config.TrafficFile:
		return traffic.NewFileController(a.cfg.Traffic.File), nil
	case config.TrafficHTTP:
		cfg := *a.cfg.Traffic.HTTP
		cfg.Logger = a.log
		return traffic.NewHTTPController(cfg)
	default:
		return traffic.NewLogController(a.log), nil
	}
}

// archiver builds the configured archive. It returns nil when archiving
// is off.
func (a *app) archiver(ctx context.Context) (archive.Archiver, error) {
	switch a.cfg.Archive.Type {
	case config.ArchiveDir:
		if err := os.MkdirAll(a.cfg.Archive.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating archive dir: %w", err)
		}
		return archive.NewDir(a.cfg.Archive.Dir), nil
	case config.ArchiveGCS:
		cfg := *a.cfg.Archive.GCS
		cfg.Logger = a.log
		g, err := archive.NewGCS(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return g.Close() })
		return g, nil
	default:
		return nil, nil
	}
}

// orchestrator wires the probe, traffic controller, audit trail and
// outcome history into an orchestrator gated by board.
func (a *app) orchestrator(ctx context.Context, board *rollout.ApprovalBoard) (*rollout.Orchestrator, error) {
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	hp, err := a.probe()
	if err != nil {
		return nil, err
	}
	tc, err := a.traffic()
	if err != nil {
		return nil, err
	}
	ocfg := a.cfg.Rollout.Orchestrator()
	ocfg.Logger = a.log
	return rollout.New(hp, tc, a.trail, ocfg,
		rollout.WithApprovalGate(board),
		rollout.WithOutcomeRecorder(a.history),
	)
}

// haltFile returns the configured halt file with its directory created so
// that it can be watched.
func (a *app) haltFile() string {
	path := a.cfg.Rollout.HaltFile
	if path == "" {
		return ""
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		a.log.Warn("halt file directory unavailable", slog.String("path", path), slog.String("error", err.Error()))
		return ""
	}
	return path
}
