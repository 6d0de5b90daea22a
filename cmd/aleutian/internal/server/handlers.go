// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

// ErrCancelledByAPI is the cancellation cause for rollouts stopped through
// the API.
var ErrCancelledByAPI = fmt.Errorf("%w: cancelled via API", rollout.ErrHalted)

// ScoreRequest asks for an assessment.
//
// With Factors set the scorer runs directly on them. Otherwise the commit
// is analyzed: Commit when given, or SHA looked up in the graph.
type ScoreRequest struct {
	SHA       string         `json:"sha"`
	Commit    *vcs.Commit    `json:"commit,omitempty"`
	Factors   *risk.Factors  `json:"factors,omitempty"`
	Overrides risk.Overrides `json:"overrides"`
}

// PlanRequest asks for a plan for an assessment.
type PlanRequest struct {
	Assessment risk.Assessment `json:"assessment"`
	Version    string          `json:"version" binding:"required"`
	Paths      []string        `json:"paths,omitempty"`
}

// RolloutRequest starts a rollout from a prepared plan or builds one from
// an assessment. Approvers are recorded before the first gate.
type RolloutRequest struct {
	Plan       *plan.Plan       `json:"plan,omitempty"`
	Assessment *risk.Assessment `json:"assessment,omitempty"`
	Version    string           `json:"version,omitempty"`
	Paths      []string         `json:"paths,omitempty"`
	Approvers  []string         `json:"approvers,omitempty"`
}

// ApprovalRequest is the body of approve and deny calls.
type ApprovalRequest struct {
	Approver string `json:"approver" binding:"required"`
	Reason   string `json:"reason,omitempty"`
}

// RolloutView is a rollout as returned by the API.
type RolloutView struct {
	Plan   *plan.Plan      `json:"plan"`
	Events []rollout.Event `json:"events,omitempty"`
	Done   bool            `json:"done"`
	Result *rollout.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rollouts": len(s.deps.Manager.List())})
}

func (s *Server) handleScore(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()

	var commit vcs.Commit
	switch {
	case req.Commit != nil:
		commit = *req.Commit
	case req.Factors != nil:
		commit = vcs.Commit{SHA: req.SHA}
	case req.SHA == "":
		abort(c, http.StatusBadRequest, errors.New("one of sha, commit or factors is required"))
		return
	case s.deps.Graph == nil:
		abort(c, http.StatusBadRequest, errors.New("no repository configured; send the commit instead of a sha"))
		return
	default:
		var err error
		if commit, err = s.deps.Graph.Commit(ctx, req.SHA); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, vcs.ErrCommitNotFound) {
				status = http.StatusNotFound
			}
			abort(c, status, err)
			return
		}
	}

	assessment, err := s.assess(ctx, commit, req)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if s.deps.History != nil && commit.SHA != "" {
		if err := s.deps.History.SaveAssessment(ctx, assessment); err != nil {
			s.logger.Warn("saving assessment failed", slog.String("commit", commit.SHA), slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusOK, assessment)
}

func (s *Server) assess(ctx context.Context, commit vcs.Commit, req ScoreRequest) (risk.Assessment, error) {
	if req.Factors != nil {
		a := s.deps.Scorer.Score(commit, *req.Factors, req.Overrides)
		a.AssessedAt = time.Now().UTC()
		return a, nil
	}
	if req.Overrides.IsZero() {
		return s.deps.Analyzer.Assess(ctx, commit)
	}

	sig, err := s.deps.Analyzer.Signals(ctx, commit)
	if err != nil {
		return risk.Assessment{}, err
	}
	a := s.deps.Scorer.Score(commit, sig.Factors, mergeOverrides(sig.Overrides, req.Overrides))
	a.Domains = sig.Domains
	a.Reasons = sig.Reasons
	a.AssessedAt = time.Now().UTC()
	return a, nil
}

// mergeOverrides keeps the stricter value of each field.
func mergeOverrides(a, b risk.Overrides) risk.Overrides {
	return risk.Overrides{
		DualApproval: a.DualApproval || b.DualApproval,
		MinApprovals: max(a.MinApprovals, b.MinApprovals),
		TierFloor:    a.TierFloor.Max(b.TierFloor),
	}
}

func (s *Server) build(a risk.Assessment, version string, paths []string) (*plan.Plan, int, error) {
	if a.Tier == "" {
		return nil, http.StatusBadRequest, errors.New("assessment tier is required")
	}
	p, err := s.deps.Builder.Build(a, version, s.deps.Strategies)
	if err != nil {
		return nil, http.StatusUnprocessableEntity, err
	}
	p.Paths = paths
	return p, 0, nil
}

func (s *Server) handleBuildPlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	p, status, err := s.build(req.Assessment, req.Version, req.Paths)
	if err != nil {
		abort(c, status, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleStartRollout(c *gin.Context) {
	var req RolloutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	p := req.Plan
	switch {
	case p != nil:
		if p.ID == "" || p.Status != plan.StatusPending {
			abort(c, http.StatusConflict, fmt.Errorf("plan needs an id and status %s", plan.StatusPending))
			return
		}
		if err := plan.Validate(p); err != nil {
			abort(c, http.StatusUnprocessableEntity, err)
			return
		}
	case req.Assessment != nil && req.Version != "":
		var (
			status int
			err    error
		)
		if p, status, err = s.build(*req.Assessment, req.Version, req.Paths); err != nil {
			abort(c, status, err)
			return
		}
	default:
		abort(c, http.StatusBadRequest, errors.New("either plan or assessment with version is required"))
		return
	}

	for _, who := range req.Approvers {
		if err := s.deps.Approvals.Approve(p.ID, who); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	exec, err := s.deps.Manager.Start(p)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rollout.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		abort(c, status, err)
		return
	}
	s.logger.Info("rollout started via API",
		slog.String("plan", p.ID),
		slog.String("version", p.Version),
		slog.String("strategy", string(p.Assessment.Strategy)),
	)
	c.JSON(http.StatusAccepted, RolloutView{Plan: exec.Snapshot()})
}

func (s *Server) handleListRollouts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rollouts": s.deps.Manager.List()})
}

func (s *Server) execution(c *gin.Context) (*rollout.Execution, bool) {
	exec, ok := s.deps.Manager.Get(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("%s: %w", c.Param("id"), rollout.ErrUnknownPlan))
	}
	return exec, ok
}

func (s *Server) handleGetRollout(c *gin.Context) {
	exec, ok := s.execution(c)
	if !ok {
		return
	}
	view := RolloutView{Plan: exec.Snapshot(), Events: exec.Events()}
	select {
	case <-exec.Done():
		res, err := exec.Wait(c.Request.Context())
		view.Done = true
		view.Result = &res
		if err != nil {
			view.Error = err.Error()
		}
	default:
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleApprove(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	exec, ok := s.execution(c)
	if !ok || !s.running(c, exec) {
		return
	}
	if err := s.deps.Approvals.Approve(exec.ID(), req.Approver); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	s.forgetIfFinished(exec)
	c.JSON(http.StatusAccepted, gin.H{"plan_id": exec.ID(), "approver": req.Approver})
}

func (s *Server) handleDeny(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	exec, ok := s.execution(c)
	if !ok || !s.running(c, exec) {
		return
	}
	if err := s.deps.Approvals.Deny(exec.ID(), req.Approver, req.Reason); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	s.forgetIfFinished(exec)
	c.JSON(http.StatusAccepted, gin.H{"plan_id": exec.ID(), "denied_by": req.Approver})
}

// running aborts with 409 when exec has already finished. Decisions for
// finished runs would never be consumed.
func (s *Server) running(c *gin.Context, exec *rollout.Execution) bool {
	select {
	case <-exec.Done():
		abort(c, http.StatusConflict, fmt.Errorf("rollout %s has finished", exec.ID()))
		return false
	default:
		return true
	}
}

// forgetIfFinished drops a decision that raced with the end of the run.
func (s *Server) forgetIfFinished(exec *rollout.Execution) {
	select {
	case <-exec.Done():
		s.deps.Approvals.Forget(exec.ID())
	default:
	}
}

func (s *Server) handlePendingApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.deps.Approvals.Pending()})
}

func (s *Server) handleCancel(c *gin.Context) {
	exec, ok := s.execution(c)
	if !ok {
		return
	}
	exec.Cancel(ErrCancelledByAPI)
	s.logger.Warn("rollout cancelled via API", slog.String("plan", exec.ID()))
	c.JSON(http.StatusAccepted, gin.H{"plan_id": exec.ID()})
}

func (s *Server) handleHalt(c *gin.Context) {
	s.deps.Manager.HaltAll(ErrCancelledByAPI)
	s.logger.Warn("all rollouts halted via API")
	c.JSON(http.StatusAccepted, gin.H{"halted": len(s.deps.Manager.List())})
}
