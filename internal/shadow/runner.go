// Package shadow executes framework generations in the background against
// live traffic. Shadow work never surfaces to the caller: failures are
// logged and recorded on the ledger, and successful runs with a baseline
// get a diff attached and archived.
package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/lint"
	"github.com/draftline-labs/draftline-go/internal/platform/env"
	"github.com/draftline-labs/draftline-go/internal/repo"
	"github.com/draftline-labs/draftline-go/internal/service/dispatch"
	"github.com/draftline-labs/draftline-go/internal/service/reports"
)

var ErrQueueFull = errors.New("shadow queue full")

// Dispatcher is the slice of the dispatch service the runner needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, strategy dispatch.Strategy) (domain.Outcome, error)
}

type Task struct {
	Request dispatch.Request
}

type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
}

func ConfigFromEnv() (Config, error) {
	workers, err := env.Int("DRAFTLINE_SHADOW_WORKERS", 2)
	if err != nil {
		return Config{}, err
	}
	queueSize, err := env.Int("DRAFTLINE_SHADOW_QUEUE_SIZE", 64)
	if err != nil {
		return Config{}, err
	}
	taskTimeout, err := env.Duration("DRAFTLINE_SHADOW_TASK_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxRetries, err := env.Int("DRAFTLINE_SHADOW_MAX_RETRIES", 2)
	if err != nil {
		return Config{}, err
	}
	baseBackoff, err := env.Duration("DRAFTLINE_SHADOW_RETRY_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Workers:     workers,
		QueueSize:   queueSize,
		TaskTimeout: taskTimeout,
		MaxRetries:  maxRetries,
		BaseBackoff: baseBackoff,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.New("DRAFTLINE_SHADOW_WORKERS must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("DRAFTLINE_SHADOW_QUEUE_SIZE must be positive")
	}
	if c.TaskTimeout <= 0 {
		return errors.New("DRAFTLINE_SHADOW_TASK_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("DRAFTLINE_SHADOW_MAX_RETRIES must not be negative")
	}
	if c.BaseBackoff <= 0 {
		return errors.New("DRAFTLINE_SHADOW_RETRY_BACKOFF must be positive")
	}
	return nil
}

type Runner struct {
	logger     *slog.Logger
	dispatcher Dispatcher
	strategy   dispatch.Strategy
	analyzer   *lint.Analyzer
	runs       repo.RunRepository
	archiver   *reports.Archiver
	cfg        Config
	queue      chan Task
	sleep      func(ctx context.Context, d time.Duration)
}

func NewRunner(logger *slog.Logger, dispatcher Dispatcher, strategy dispatch.Strategy, analyzer *lint.Analyzer, runs repo.RunRepository, archiver *reports.Archiver, cfg Config) (*Runner, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if strategy == nil {
		return nil, errors.New("strategy is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		logger:     logger,
		dispatcher: dispatcher,
		strategy:   strategy,
		analyzer:   analyzer,
		runs:       runs,
		archiver:   archiver,
		cfg:        cfg,
		queue:      make(chan Task, cfg.QueueSize),
		sleep:      sleepContext,
	}, nil
}

func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		go r.work(ctx)
	}
}

// Enqueue hands a task to the workers without blocking the caller. A full
// queue drops the task and reports ErrQueueFull.
func (r *Runner) Enqueue(task Task) error {
	if err := task.Request.Validate(); err != nil {
		return err
	}
	select {
	case r.queue <- task:
		return nil
	default:
		r.logger.Warn("shadow queue full, dropping task",
			"framework", task.Request.Framework, "tenant_id", task.Request.TenantID)
		return ErrQueueFull
	}
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-r.queue:
			r.process(ctx, task)
		}
	}
}

// process runs one shadow task to completion. Timeouts retry with
// exponential backoff up to the configured cap; every attempt settles its
// own ledger row and the retry count rides along. No error escapes.
func (r *Runner) process(ctx context.Context, task Task) {
	req := task.Request
	for attempt := 0; ; attempt++ {
		req.RetryCount = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
		outcome, err := r.dispatcher.Dispatch(attemptCtx, req, r.strategy)
		cancel()

		if err == nil {
			r.finish(ctx, req, outcome)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) && attempt < r.cfg.MaxRetries && ctx.Err() == nil {
			backoff := r.cfg.BaseBackoff << attempt
			r.logger.Warn("shadow task timed out, retrying",
				"framework", req.Framework, "tenant_id", req.TenantID,
				"attempt", attempt+1, "backoff", backoff.String())
			r.sleep(ctx, backoff)
			continue
		}
		r.logger.Error("shadow task failed",
			"framework", req.Framework, "tenant_id", req.TenantID,
			"attempt", attempt+1, "error", err.Error())
		return
	}
}

// finish attaches and archives the diff when a baseline was supplied and
// the dispatch actually produced output.
func (r *Runner) finish(ctx context.Context, req dispatch.Request, outcome domain.Outcome) {
	if outcome.Kind == domain.OutcomeDisabled {
		return
	}
	if len(req.Baseline) == 0 || r.analyzer == nil {
		return
	}

	summary := r.analyzer.Diff(req.Baseline, outcome.Envelope.Output)
	diff, err := diffMetadata(summary)
	if err != nil {
		r.logger.Error("encode diff failed",
			"run_id", outcome.Envelope.RunID, "error", err.Error())
		return
	}

	if r.runs != nil {
		if err := r.runs.AttachDiff(ctx, outcome.Envelope.RunID, diff); err != nil {
			r.logger.Error("attach diff failed",
				"run_id", outcome.Envelope.RunID, "error", err.Error())
			return
		}
	}

	run := domain.FrameworkRun{
		ID:            outcome.Envelope.RunID,
		TenantID:      req.TenantID,
		FrameworkName: req.Framework,
	}
	if _, err := r.archiver.Archive(ctx, run, diff); err != nil {
		r.logger.Warn("archive diff report failed",
			"run_id", outcome.Envelope.RunID, "error", err.Error())
	}
}

func diffMetadata(summary lint.DiffSummary) (domain.Metadata, error) {
	blob, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("marshal diff: %w", err)
	}
	var out domain.Metadata
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, fmt.Errorf("decode diff: %w", err)
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
