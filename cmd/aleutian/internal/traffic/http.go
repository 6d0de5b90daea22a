// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPConfig configures an HTTPController.
type HTTPConfig struct {
	// Endpoint receives a POST with a JSON Split body.
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	// Headers are added to every request, e.g. an authorization header.
	Headers map[string]string `yaml:"headers"`

	Timeout time.Duration `yaml:"timeout"`

	Logger *slog.Logger `yaml:"-"`
}

// HTTPController shifts traffic by calling a control plane endpoint.
//
// # Description
//
// Any 2xx response is success. Other statuses are returned as errors with
// the first 512 bytes of the response body. The controller does not
// retry; the orchestrator treats a failed shift as terminal.
type HTTPController struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPController creates an HTTPController.
func NewHTTPController(cfg HTTPConfig) (*HTTPController, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("traffic endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPController{
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("component", "traffic.http")),
	}, nil
}

// SetTraffic implements rollout.TrafficController.
func (c *HTTPController) SetTraffic(ctx context.Context, version string, percent float64) error {
	if err := validate(version, percent); err != nil {
		return err
	}
	body, err := json.Marshal(Split{Version: version, Percent: percent})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building traffic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("setting traffic for %s to %.2f%%: %w", version, percent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("setting traffic for %s to %.2f%%: status %d: %s",
			version, percent, resp.StatusCode, bytes.TrimSpace(msg))
	}
	c.logger.DebugContext(ctx, "traffic shifted",
		slog.String("version", version),
		slog.Float64("percent", percent))
	return nil
}
