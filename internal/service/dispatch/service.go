// Package dispatch executes framework generations against the run ledger:
// gate, cache lookup, record, execute, settle. Every execution leaves
// exactly one ledger row regardless of how it concludes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/fingerprint"
	"github.com/draftline-labs/draftline-go/internal/flags"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

// settleTimeout bounds the terminal ledger update after a strategy call.
const settleTimeout = 5 * time.Second

// Strategy produces the generated output for one dispatch. The dispatcher
// measures wall time and settles the ledger row around the call.
type Strategy interface {
	Execute(ctx context.Context, req Request, snapshot flags.Snapshot) (domain.Metadata, string, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, req Request, snapshot flags.Snapshot) (domain.Metadata, string, error)

func (f StrategyFunc) Execute(ctx context.Context, req Request, snapshot flags.Snapshot) (domain.Metadata, string, error) {
	return f(ctx, req, snapshot)
}

type Request struct {
	Framework  string
	TenantID   string
	Payload    domain.Metadata
	Baseline   domain.Metadata
	RetryCount int
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Framework) == "" {
		return errors.New("framework is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	return nil
}

type Service struct {
	logger   *slog.Logger
	runs     repo.RunRepository
	snapshot func() (flags.Snapshot, error)
	now      func() time.Time
	newID    func() string
}

func NewService(logger *slog.Logger, runs repo.RunRepository, snapshot func() (flags.Snapshot, error)) *Service {
	return &Service{
		logger:   logger,
		runs:     runs,
		snapshot: snapshot,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

// Dispatch runs one generation through the full lifecycle. A disabled
// framework returns a disabled outcome and touches nothing. A cache hit
// writes a cached reflection row and returns the stored output. A miss
// records RUNNING, invokes the strategy, and settles the row as SUCCESS,
// FAILED or TIMEOUT. Strategy errors are returned to the caller after the
// ledger row is settled.
func (s *Service) Dispatch(ctx context.Context, req Request, strategy Strategy) (domain.Outcome, error) {
	if err := req.Validate(); err != nil {
		return domain.Outcome{}, err
	}
	if strategy == nil {
		return domain.Outcome{}, errors.New("strategy is required")
	}

	snapshot, err := s.snapshot()
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("load flags: %w", err)
	}

	if !snapshot.FrameworkEnabled(req.Framework) {
		s.logger.Info("framework disabled, skipping",
			"framework", req.Framework, "tenant_id", req.TenantID)
		return domain.DisabledOutcome(), nil
	}

	inputHash, err := fingerprint.Hash(req.TenantID, req.Framework, req.Payload, snapshot.PolicyVersion)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("fingerprint: %w", err)
	}

	cachedOutput, hit, err := s.runs.FindCached(ctx, inputHash, snapshot.TTLDays)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("cache lookup: %w", err)
	}
	if hit {
		return s.recordCacheHit(ctx, req, snapshot, inputHash, cachedOutput)
	}

	return s.execute(ctx, req, snapshot, inputHash, strategy)
}

// recordCacheHit writes a cached reflection row: zero duration, marked
// used_mock, model "cached". The reflection itself never serves future
// cache lookups.
func (s *Service) recordCacheHit(ctx context.Context, req Request, snapshot flags.Snapshot, inputHash string, output domain.Metadata) (domain.Outcome, error) {
	now := s.now()
	completed := now
	run := domain.FrameworkRun{
		ID:               s.newID(),
		TenantID:         req.TenantID,
		FrameworkName:    req.Framework,
		FrameworkVersion: domain.DefaultFrameworkVersion,
		InputHash:        inputHash,
		InputData:        req.Payload,
		PolicyVersion:    snapshot.PolicyVersion,
		OutputData:       output,
		BaselineOutput:   req.Baseline,
		Status:           domain.RunStatusSuccess,
		IsShadow:         snapshot.ShadowMode(req.Framework),
		Cached:           true,
		UsedMock:         true,
		ModelTier:        domain.ModelTierCached,
		ModelName:        "cached",
		DurationMs:       0,
		RetryCount:       req.RetryCount,
		StartedAt:        now,
		CompletedAt:      &completed,
		CreatedAt:        now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.Outcome{}, fmt.Errorf("record cache hit: %w", err)
	}
	s.logger.Info("cache hit",
		"framework", req.Framework, "tenant_id", req.TenantID, "run_id", run.ID, "input_hash", inputHash)
	return domain.CachedOutcome(run.ID, output), nil
}

func (s *Service) execute(ctx context.Context, req Request, snapshot flags.Snapshot, inputHash string, strategy Strategy) (domain.Outcome, error) {
	useMock := snapshot.EffectiveMock(req.Framework)
	started := s.now()

	run := domain.FrameworkRun{
		ID:               s.newID(),
		TenantID:         req.TenantID,
		FrameworkName:    req.Framework,
		FrameworkVersion: domain.DefaultFrameworkVersion,
		InputHash:        inputHash,
		InputData:        req.Payload,
		PolicyVersion:    snapshot.PolicyVersion,
		BaselineOutput:   req.Baseline,
		Status:           domain.RunStatusRunning,
		IsShadow:         snapshot.ShadowMode(req.Framework),
		UsedMock:         useMock,
		RetryCount:       req.RetryCount,
		StartedAt:        started,
		CreatedAt:        started,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.Outcome{}, fmt.Errorf("record run: %w", err)
	}

	output, modelName, execErr := strategy.Execute(ctx, req, snapshot)
	completed := s.now()
	durationMs := completed.Sub(started).Milliseconds()

	// The request context is often expired or canceled by the time the
	// strategy returns, and that is exactly when the row must still reach
	// a terminal state. Settle on a detached context with its own deadline.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()

	if execErr != nil {
		status := domain.RunStatusFailed
		if errors.Is(execErr, context.DeadlineExceeded) {
			status = domain.RunStatusTimeout
		}
		if err := s.runs.FailRun(settleCtx, run.ID, status, execErr.Error(), fmt.Sprintf("%+v", execErr), durationMs, completed); err != nil {
			s.logger.Error("settle failed run",
				"run_id", run.ID, "framework", req.Framework, "error", err.Error())
		}
		s.logger.Warn("framework run failed",
			"run_id", run.ID, "framework", req.Framework, "tenant_id", req.TenantID,
			"status", string(status), "duration_ms", durationMs, "error", execErr.Error())
		return domain.Outcome{}, fmt.Errorf("execute %s: %w", req.Framework, execErr)
	}

	tier := domain.ModelTierStandard
	if useMock {
		tier = domain.ModelTierMock
	}
	if err := s.runs.CompleteRun(settleCtx, run.ID, output, tier, modelName, durationMs, completed); err != nil {
		return domain.Outcome{}, fmt.Errorf("settle run: %w", err)
	}
	s.logger.Info("framework run complete",
		"run_id", run.ID, "framework", req.Framework, "tenant_id", req.TenantID,
		"used_mock", useMock, "model", modelName, "duration_ms", durationMs)
	return domain.ExecutedOutcome(run.ID, output, useMock, modelName, durationMs), nil
}
