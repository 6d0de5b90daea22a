// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes scoring, planning and rollout control over HTTP.
//
// Routes live under /v1. Rollouts started through the API run on the
// server's Manager and keep running after the request returns. Live
// deployment events are streamed over a websocket at /v1/events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/history"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/telemetry"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/util"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

const tracerName = "aleutian.release.server"

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

// Config configures the HTTP listener.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger
}

// Deps are the components the handlers call into. Graph, History and
// Metrics are optional.
type Deps struct {
	Scorer     *risk.Scorer
	Analyzer   *risk.Analyzer
	Graph      vcs.Graph
	Builder    *plan.Builder
	Strategies plan.StrategyConfig
	Manager    *rollout.Manager
	Approvals  *rollout.ApprovalBoard
	History    *history.Store
	Metrics    http.Handler
}

// Server is the release control API.
//
// # Thread Safety
//
// Safe for concurrent use once constructed.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	logger *slog.Logger
}

// New validates deps and builds the router.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Scorer == nil:
		return nil, errors.New("server: scorer is required")
	case deps.Analyzer == nil:
		return nil, errors.New("server: analyzer is required")
	case deps.Builder == nil:
		return nil, errors.New("server: plan builder is required")
	case deps.Manager == nil:
		return nil, errors.New("server: rollout manager is required")
	case deps.Approvals == nil:
		return nil, errors.New("server: approval board is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.ReadHeaderTimeout = util.OrDefault(cfg.ReadHeaderTimeout, defaultReadHeaderTimeout)
	cfg.ShutdownTimeout = util.OrDefault(cfg.ShutdownTimeout, defaultShutdownTimeout)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger.With(slog.String("component", "server")),
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.GinMiddleware(tracerName)...)
	router.Use(s.requestLogger())

	router.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/score", s.handleScore)
		v1.POST("/plans", s.handleBuildPlan)
		v1.GET("/approvals", s.handlePendingApprovals)
		v1.POST("/halt", s.handleHalt)
		v1.GET("/events", s.handleEvents)

		rollouts := v1.Group("/rollouts")
		{
			rollouts.POST("", s.handleStartRollout)
			rollouts.GET("", s.handleListRollouts)
			rollouts.GET("/:id", s.handleGetRollout)
			rollouts.POST("/:id/approvals", s.handleApprove)
			rollouts.POST("/:id/deny", s.handleDeny)
			rollouts.POST("/:id/cancel", s.handleCancel)
		}
	}
	return router
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. Running rollouts are not touched.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("release API listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("serving API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on cfg.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
