// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads release.yaml, the configuration shared by every
// aleutian-release command.
//
// The file lives at ~/.aleutian/release.yaml unless --config or
// ALEUTIAN_RELEASE_CONFIG points elsewhere, and is created with defaults
// on first use. Fields missing from the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
)

// PathEnv overrides the default config path.
const PathEnv = "ALEUTIAN_RELEASE_CONFIG"

// configValidate is the validator instance for ReleaseConfig.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// DefaultPath returns ALEUTIAN_RELEASE_CONFIG or ~/.aleutian/release.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(PathEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "release.yaml"), nil
}

// Load reads the config at path, creating it with defaults if it does not
// exist. An empty path uses DefaultPath. The second result reports
// whether the file was created.
func Load(path string) (ReleaseConfig, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return ReleaseConfig{}, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return ReleaseConfig{}, false, err
		}
		created = true
	}

	f, err := os.Open(path)
	if err != nil {
		return ReleaseConfig{}, false, fmt.Errorf("failed to read the config file: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return ReleaseConfig{}, false, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, created, nil
}

// Parse decodes YAML over DefaultConfig, expands ~ in paths and
// validates the result. Unknown keys are an error.
func Parse(r io.Reader) (ReleaseConfig, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return ReleaseConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return ReleaseConfig{}, err
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c ReleaseConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "ReleaseConfig."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := risk.ValidateScoringConfig(c.Scoring); err != nil {
		return err
	}
	if err := c.Strategies.Validate(); err != nil {
		return err
	}
	if w := c.Bisect.CentralityWeight + c.Bisect.RiskWeight; w <= 0 {
		return fmt.Errorf("invalid config: bisect weights must not both be zero")
	}
	return nil
}

// Write encodes cfg as YAML to path, creating the directory.
func Write(path string, cfg ReleaseConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func createDefault(path string) error {
	return Write(path, DefaultConfig())
}

func (c *ReleaseConfig) expandPaths() {
	c.Storage.Dir = ExpandHome(c.Storage.Dir)
	c.Rollout.HaltFile = ExpandHome(c.Rollout.HaltFile)
	c.Traffic.File = ExpandHome(c.Traffic.File)
	c.Archive.Dir = ExpandHome(c.Archive.Dir)
	c.Logging.LogDir = ExpandHome(c.Logging.LogDir)
}

// ExpandHome replaces a leading ~ with the home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
