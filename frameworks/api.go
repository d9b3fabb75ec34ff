package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/flags"
	"github.com/draftline-labs/draftline-go/internal/lint"
	"github.com/draftline-labs/draftline-go/internal/platform/auditlog"
	"github.com/draftline-labs/draftline-go/internal/platform/auth"
	"github.com/draftline-labs/draftline-go/internal/repo"
	"github.com/draftline-labs/draftline-go/internal/service/dispatch"
	"github.com/draftline-labs/draftline-go/internal/shadow"
)

type frameworksAPI struct {
	logger     *slog.Logger
	db         *sql.DB
	runs       repo.RunRepository
	dispatcher *dispatch.Service
	strategy   dispatch.Strategy
	runner     *shadow.Runner
	analyzer   *lint.Analyzer
	snapshot   func() (flags.Snapshot, error)
}

func newFrameworksAPI(
	logger *slog.Logger,
	db *sql.DB,
	runs repo.RunRepository,
	dispatcher *dispatch.Service,
	strategy dispatch.Strategy,
	runner *shadow.Runner,
	analyzer *lint.Analyzer,
	snapshot func() (flags.Snapshot, error),
) *frameworksAPI {
	return &frameworksAPI{
		logger:     logger,
		db:         db,
		runs:       runs,
		dispatcher: dispatcher,
		strategy:   strategy,
		runner:     runner,
		analyzer:   analyzer,
		snapshot:   snapshot,
	}
}

func (api *frameworksAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/frameworks/{framework}/dispatch", api.handleDispatch)
	mux.HandleFunc("POST /v1/frameworks/{framework}/shadow", api.handleShadow)

	mux.HandleFunc("GET /v1/runs", api.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/diff", api.handleAttachDiff)

	mux.HandleFunc("GET /v1/flags/{framework}", api.handleGetFlags)
}

func knownFramework(name string) bool {
	switch name {
	case domain.FrameworkProductCopy, domain.FrameworkSEO, domain.FrameworkBlueprint:
		return true
	default:
		return false
	}
}

type dispatchRequest struct {
	TenantID string          `json:"tenant_id"`
	Payload  domain.Metadata `json:"payload"`
	Baseline domain.Metadata `json:"baseline,omitempty"`
}

type dispatchResponse struct {
	Kind string `json:"kind"`
	domain.Envelope
}

func (api *frameworksAPI) handleDispatch(w http.ResponseWriter, r *http.Request) {
	framework := r.PathValue("framework")
	if !knownFramework(framework) {
		api.writeError(w, r, http.StatusNotFound, "unknown_framework")
		return
	}

	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "tenant_id_required")
		return
	}

	outcome, err := api.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Framework: framework,
		TenantID:  strings.TrimSpace(req.TenantID),
		Payload:   req.Payload,
		Baseline:  req.Baseline,
	}, api.strategy)
	if err != nil {
		api.logger.Error("dispatch failed",
			"framework", framework, "tenant_id", req.TenantID,
			"request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
		api.writeError(w, r, http.StatusBadGateway, "dispatch_failed")
		return
	}

	api.audit(r, "framework.dispatch", framework, outcome.Envelope.RunID, map[string]any{
		"tenant_id": req.TenantID,
		"kind":      string(outcome.Kind),
		"cached":    outcome.Envelope.Cached,
		"used_mock": outcome.Envelope.UsedMock,
	})
	api.writeJSON(w, http.StatusOK, dispatchResponse{Kind: string(outcome.Kind), Envelope: outcome.Envelope})
}

func (api *frameworksAPI) handleShadow(w http.ResponseWriter, r *http.Request) {
	framework := r.PathValue("framework")
	if !knownFramework(framework) {
		api.writeError(w, r, http.StatusNotFound, "unknown_framework")
		return
	}

	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "tenant_id_required")
		return
	}

	err := api.runner.Enqueue(shadow.Task{Request: dispatch.Request{
		Framework: framework,
		TenantID:  strings.TrimSpace(req.TenantID),
		Payload:   req.Payload,
		Baseline:  req.Baseline,
	}})
	if err != nil {
		if errors.Is(err, shadow.ErrQueueFull) {
			api.writeError(w, r, http.StatusServiceUnavailable, "shadow_queue_full")
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}

	api.audit(r, "framework.shadow_enqueue", framework, "", map[string]any{
		"tenant_id": req.TenantID,
	})
	api.writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

type runResponse struct {
	RunID            string          `json:"run_id"`
	TenantID         string          `json:"tenant_id"`
	FrameworkName    string          `json:"framework_name"`
	FrameworkVersion string          `json:"framework_version,omitempty"`
	InputHash        string          `json:"input_hash"`
	InputData        domain.Metadata `json:"input_data"`
	PolicyVersion    string          `json:"policy_version,omitempty"`
	OutputData       domain.Metadata `json:"output_data,omitempty"`
	BaselineOutput   domain.Metadata `json:"baseline_output,omitempty"`
	DiffSummary      domain.Metadata `json:"diff_summary,omitempty"`
	Status           string          `json:"status"`
	IsShadow         bool            `json:"is_shadow"`
	Cached           bool            `json:"cached"`
	UsedMock         bool            `json:"used_mock"`
	ModelTier        string          `json:"model_tier,omitempty"`
	ModelName        string          `json:"model_name,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	RetryCount       int             `json:"retry_count"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func toRunResponse(run domain.FrameworkRun) runResponse {
	return runResponse{
		RunID:            run.ID,
		TenantID:         run.TenantID,
		FrameworkName:    run.FrameworkName,
		FrameworkVersion: run.FrameworkVersion,
		InputHash:        run.InputHash,
		InputData:        run.InputData,
		PolicyVersion:    run.PolicyVersion,
		OutputData:       run.OutputData,
		BaselineOutput:   run.BaselineOutput,
		DiffSummary:      run.DiffSummary,
		Status:           string(run.Status),
		IsShadow:         run.IsShadow,
		Cached:           run.Cached,
		UsedMock:         run.UsedMock,
		ModelTier:        string(run.ModelTier),
		ModelName:        run.ModelName,
		DurationMs:       run.DurationMs,
		RetryCount:       run.RetryCount,
		ErrorMessage:     run.ErrorMessage,
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
		CreatedAt:        run.CreatedAt,
	}
}

func (api *frameworksAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		TenantID:      strings.TrimSpace(r.URL.Query().Get("tenant_id")),
		FrameworkName: strings.TrimSpace(r.URL.Query().Get("framework")),
		Status:        domain.NormalizeRunStatus(r.URL.Query().Get("status")),
		Limit:         100,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" && filter.Status == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}

	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs failed",
			"request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *frameworksAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("get run failed",
			"run_id", runID, "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

// handleAttachDiff computes the diff for a settled run from its stored
// baseline and output, attaches it to the ledger row and returns it.
func (api *frameworksAPI) handleAttachDiff(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if !run.Status.IsTerminal() {
		api.writeError(w, r, http.StatusConflict, "run_not_settled")
		return
	}
	if len(run.BaselineOutput) == 0 {
		api.writeError(w, r, http.StatusUnprocessableEntity, "baseline_missing")
		return
	}

	summary := api.analyzer.Diff(run.BaselineOutput, run.OutputData)
	diffJSON, err := json.Marshal(summary)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	var diff domain.Metadata
	if err := json.Unmarshal(diffJSON, &diff); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if err := api.runs.AttachDiff(r.Context(), runID, diff); err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			api.writeError(w, r, http.StatusConflict, "diff_already_attached")
			return
		}
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, "framework_run.diff_attached", run.FrameworkName, runID, map[string]any{
		"tenant_id": run.TenantID,
	})
	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "diff_summary": diff})
}

func (api *frameworksAPI) handleGetFlags(w http.ResponseWriter, r *http.Request) {
	framework := r.PathValue("framework")
	if !knownFramework(framework) {
		api.writeError(w, r, http.StatusNotFound, "unknown_framework")
		return
	}
	snapshot, err := api.snapshot()
	if err != nil {
		api.logger.Error("load flags failed",
			"request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"framework":      framework,
		"enabled":        snapshot.FrameworkEnabled(framework),
		"shadow":         snapshot.ShadowMode(framework),
		"use_mock":       snapshot.EffectiveMock(framework),
		"policy_version": snapshot.PolicyVersion,
		"cache_ttl_days": snapshot.TTLDays,
	})
}

func (api *frameworksAPI) audit(r *http.Request, action, framework, resourceID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	actor := "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Subject) != "" {
		actor = identity.Subject
	}
	if strings.TrimSpace(resourceID) == "" {
		resourceID = framework
	}
	payload["service"] = "frameworks"
	payload["framework"] = framework

	auditCtx, cancel := context.WithTimeout(r.Context(), 750*time.Millisecond)
	defer cancel()
	if _, err := auditlog.Insert(auditCtx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "framework_run",
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	}); err != nil {
		api.logger.Warn("audit insert failed",
			"action", action, "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *frameworksAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *frameworksAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
