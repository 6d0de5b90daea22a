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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/audit"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/history"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/plan"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/probe"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/risk"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/rollout"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/storage/badger"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/traffic"
	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/vcs"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv     *Server
	manager *rollout.Manager
	board   *rollout.ApprovalBoard
	history *history.Store
	graph   *vcs.MemoryGraph
	probe   *probe.StaticProbe
}

func fastStrategies() plan.StrategyConfig {
	cfg := plan.DefaultStrategyConfig()
	for s, stages := range cfg.Stages {
		for i := range stages {
			stages[i].MinSoak = 0
		}
		cfg.Stages[s] = stages
	}
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	trail, err := audit.Open(context.Background(), db, audit.DefaultBatchSize)
	require.NoError(t, err)
	store := history.NewStore(db, history.DefaultWindow)

	scorer := risk.MustNewScorer(risk.DefaultScoringConfig())
	acfg := risk.DefaultAnalyzerConfig()
	acfg.Reliability = store
	acfg.Logger = logger
	analyzer := risk.NewAnalyzer(scorer, acfg)

	static := probe.NewStatic(map[string]float64{"error_rate": 0, "latency_p99_ms": 100})
	board := rollout.NewApprovalBoard()
	ocfg := rollout.DefaultConfig()
	ocfg.PollInterval = time.Millisecond
	ocfg.Logger = logger
	orch, err := rollout.New(static, traffic.NewLogController(logger), trail, ocfg,
		rollout.WithApprovalGate(board),
		rollout.WithOutcomeRecorder(store),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	manager := rollout.NewManager(ctx, orch, "", logger)
	t.Cleanup(func() {
		manager.HaltAll(context.Canceled)
		manager.Wait()
		cancel()
	})

	chain := vcs.Chain("s", 2)
	chain[1].Files = []vcs.FileDelta{{Path: "services/payment-gateway/pool.go", LinesAdded: 40, LinesDeleted: 10}}
	graph := vcs.NewMemoryGraph(chain...)

	srv, err := New(Config{Logger: logger}, Deps{
		Scorer:     scorer,
		Analyzer:   analyzer,
		Graph:      graph,
		Builder:    plan.NewBuilder(),
		Strategies: fastStrategies(),
		Manager:    manager,
		Approvals:  board,
		History:    store,
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
	})
	require.NoError(t, err)

	return &fixture{srv: srv, manager: manager, board: board, history: store, graph: graph, probe: static}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) waitDone(t *testing.T, id string) RolloutView {
	t.Helper()
	var view RolloutView
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/v1/rollouts/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		view = decode[RolloutView](t, rec)
		return view.Done
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorContains(t, err, "scorer")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics\n", rec.Body.String())
}

func TestScore_Factors(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/score", ScoreRequest{
		SHA: "abc",
		Factors: &risk.Factors{
			CriticalPath:          100,
			ChangeMagnitude:       100,
			DomainSignal:          100,
			HistoricalReliability: 0,
			TestCoveragePenalty:   100,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a := decode[risk.Assessment](t, rec)
	assert.Equal(t, 100.0, a.Score)
	assert.Equal(t, risk.TierCritical, a.Tier)
	assert.Equal(t, risk.StrategyProgressive, a.Strategy)
	assert.Equal(t, 2, a.ApprovalsRequired)

	saved, err := f.history.Assessments(context.Background(), []string{"abc"})
	require.NoError(t, err)
	assert.Contains(t, saved, "abc")
}

func TestScore_FromGraph(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/score", ScoreRequest{SHA: "s001"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a := decode[risk.Assessment](t, rec)
	assert.Equal(t, "s001", a.CommitSHA)
	assert.Greater(t, a.Factors.CriticalPath, 0.0)

	// Overrides can only raise scrutiny.
	rec = f.do(t, http.MethodPost, "/v1/score", ScoreRequest{
		SHA:       "s001",
		Overrides: risk.Overrides{TierFloor: risk.TierCritical},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, risk.TierCritical, decode[risk.Assessment](t, rec).Tier)

	rec = f.do(t, http.MethodPost, "/v1/score", ScoreRequest{SHA: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/score", ScoreRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMergeOverrides(t *testing.T) {
	got := mergeOverrides(
		risk.Overrides{MinApprovals: 3, TierFloor: risk.TierHigh},
		risk.Overrides{DualApproval: true, MinApprovals: 1, TierFloor: risk.TierMedium},
	)
	assert.Equal(t, risk.Overrides{DualApproval: true, MinApprovals: 3, TierFloor: risk.TierHigh}, got)
}

func TestBuildPlan(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/plans", PlanRequest{
		Assessment: risk.Assessment{CommitSHA: "abc", Tier: risk.TierHigh, Strategy: risk.StrategyBlueGreen, ApprovalsRequired: 1},
		Version:    "v2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[plan.Plan](t, rec)
	assert.Equal(t, plan.StatusPending, p.Status)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, 1, p.Stages[1].ApprovalsRequired)

	rec = f.do(t, http.MethodPost, "/v1/plans", PlanRequest{Assessment: risk.Assessment{Tier: risk.TierLow}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRollout_Lifecycle(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{
		Assessment: &risk.Assessment{CommitSHA: "abc", Tier: risk.TierMedium, Strategy: risk.StrategyCanary},
		Version:    "v2",
		Paths:      []string{"services/payment-gateway/pool.go"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[RolloutView](t, rec).Plan.ID

	view := f.waitDone(t, id)
	require.NotNil(t, view.Result)
	assert.Equal(t, plan.StatusSucceeded, view.Result.Status)
	assert.Empty(t, view.Error)
	assert.Equal(t, rollout.EventSucceeded, view.Events[len(view.Events)-1].Type)

	rec = f.do(t, http.MethodGet, "/v1/rollouts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rel, ok, err := f.history.Reliability(context.Background(), "services/payment-gateway/pool.go")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100.0, rel)
}

func TestRollout_BreachRollsBack(t *testing.T) {
	f := newFixture(t)
	f.probe.SetStage(1, "error_rate", 0.5)

	rec := f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{
		Assessment: &risk.Assessment{CommitSHA: "abc", Tier: risk.TierMedium, Strategy: risk.StrategyCanary},
		Version:    "v2",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	view := f.waitDone(t, decode[RolloutView](t, rec).Plan.ID)

	require.NotNil(t, view.Result)
	assert.Equal(t, plan.StatusRolledBack, view.Result.Status)
	assert.Equal(t, rollout.ReasonThresholdBreach, view.Result.Reason)
	require.NotNil(t, view.Result.Breach)
	assert.Equal(t, "error_rate", view.Result.Breach.Threshold.Metric)
}

func TestRollout_ApprovalThroughAPI(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{
		Assessment: &risk.Assessment{CommitSHA: "abc", Tier: risk.TierHigh, Strategy: risk.StrategyBlueGreen, ApprovalsRequired: 1},
		Version:    "v2",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[RolloutView](t, rec).Plan.ID

	require.Eventually(t, func() bool {
		return len(f.board.Pending()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/v1/approvals", nil)
	assert.Contains(t, rec.Body.String(), id)

	rec = f.do(t, http.MethodPost, "/v1/rollouts/"+id+"/approvals", ApprovalRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/rollouts/"+id+"/approvals", ApprovalRequest{Approver: "alice"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	view := f.waitDone(t, id)
	assert.Equal(t, plan.StatusSucceeded, view.Result.Status)

	// Finished runs take no more decisions.
	rec = f.do(t, http.MethodPost, "/v1/rollouts/"+id+"/approvals", ApprovalRequest{Approver: "carol"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/rollouts/"+id+"/deny", ApprovalRequest{Approver: "carol"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.board.Pending())
}

func TestRollout_Deny(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{
		Assessment: &risk.Assessment{CommitSHA: "abc", Tier: risk.TierCritical, Strategy: risk.StrategyProgressive, ApprovalsRequired: 2},
		Version:    "v2",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[RolloutView](t, rec).Plan.ID

	rec = f.do(t, http.MethodPost, "/v1/rollouts/"+id+"/deny", ApprovalRequest{Approver: "bob", Reason: "freeze"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	view := f.waitDone(t, id)
	assert.Equal(t, rollout.ReasonApprovalDenied, view.Result.Reason)
}

func TestRollout_Cancel(t *testing.T) {
	f := newFixture(t)
	cfg := fastStrategies()
	cfg.Stages[risk.StrategyCanary][0].MinSoak = time.Hour
	p, err := plan.NewBuilder().Build(risk.Assessment{CommitSHA: "abc", Tier: risk.TierMedium, Strategy: risk.StrategyCanary}, "v2", cfg)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{Plan: p})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{Plan: p})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/rollouts/"+p.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	view := f.waitDone(t, p.ID)
	assert.Equal(t, plan.StatusRolledBack, view.Result.Status)
	assert.Equal(t, rollout.ReasonCancelled, view.Result.Reason)

	rec = f.do(t, http.MethodPost, "/v1/rollouts/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollout_RejectsBadPlans(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p := &plan.Plan{ID: "p", Status: plan.StatusSucceeded}
	rec = f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{Plan: p})
	assert.Equal(t, http.StatusConflict, rec.Code)

	p = &plan.Plan{
		ID:         "p",
		Status:     plan.StatusPending,
		Assessment: risk.Assessment{Strategy: risk.StrategyCanary},
		Stages:     []plan.Stage{{Name: "half", TrafficPercent: 50}},
	}
	rec = f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{Plan: p})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	p, err := plan.NewBuilder().Build(risk.Assessment{CommitSHA: "abc", Tier: risk.TierCritical, Strategy: risk.StrategyProgressive, ApprovalsRequired: 2}, "v2", fastStrategies())
	require.NoError(t, err)
	p.Stages[0].ApprovalsRequired = 0
	rec = f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{Plan: p})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "2 required")

	rec = f.do(t, http.MethodGet, "/v1/rollouts/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_WebSocket(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	cfg := fastStrategies()
	cfg.Stages[risk.StrategyCanary][0].MinSoak = 50 * time.Millisecond
	p, err := plan.NewBuilder().Build(risk.Assessment{CommitSHA: "abc", Tier: risk.TierMedium, Strategy: risk.StrategyCanary}, "v2", cfg)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?plan=" + p.ID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// The subscription is registered right after the upgrade.
	time.Sleep(50 * time.Millisecond)
	rec := f.do(t, http.MethodPost, "/v1/rollouts", RolloutRequest{Plan: p})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var types []rollout.EventType
	for {
		var ev rollout.Event
		require.NoError(t, ws.ReadJSON(&ev))
		assert.Equal(t, p.ID, ev.PlanID)
		types = append(types, ev.Type)
		if ev.Type == rollout.EventSucceeded {
			break
		}
	}
	assert.Equal(t, rollout.EventPlanStarted, types[0])
	assert.Contains(t, types, rollout.EventTrafficShifted)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
