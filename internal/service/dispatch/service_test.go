package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/flags"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

type fakeRunRepo struct {
	created   []domain.FrameworkRun
	completed map[string]domain.Metadata
	failed    map[string]domain.RunStatus
	failMsgs  map[string]string

	cachedOutput domain.Metadata
	cachedHit    bool
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		completed: map[string]domain.Metadata{},
		failed:    map[string]domain.RunStatus{},
		failMsgs:  map[string]string{},
	}
}

// The fake mirrors database/sql: a done context fails the call before any
// work happens.
func (f *fakeRunRepo) CreateRun(ctx context.Context, run domain.FrameworkRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return err
	}
	f.created = append(f.created, run)
	return nil
}

func (f *fakeRunRepo) GetRun(ctx context.Context, id string) (domain.FrameworkRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.FrameworkRun{}, err
	}
	for _, run := range f.created {
		if run.ID == id {
			return run, nil
		}
	}
	return domain.FrameworkRun{}, repo.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.FrameworkRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.created, nil
}

func (f *fakeRunRepo) CompleteRun(ctx context.Context, id string, output domain.Metadata, tier domain.ModelTier, modelName string, durationMs int64, completedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.completed[id] = output
	return nil
}

func (f *fakeRunRepo) FailRun(ctx context.Context, id string, status domain.RunStatus, errMsg, errDetail string, durationMs int64, completedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.failed[id] = status
	f.failMsgs[id] = errMsg
	return nil
}

func (f *fakeRunRepo) AttachDiff(ctx context.Context, id string, diff domain.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (f *fakeRunRepo) FindCached(ctx context.Context, inputHash string, ttlDays int) (domain.Metadata, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return f.cachedOutput, f.cachedHit, nil
}

type countingStrategy struct {
	calls  int
	output domain.Metadata
	model  string
	err    error
	delay  time.Duration
}

func (s *countingStrategy) Execute(ctx context.Context, req Request, snapshot flags.Snapshot) (domain.Metadata, string, error) {
	s.calls++
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.output, s.model, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshotFunc(s flags.Snapshot) func() (flags.Snapshot, error) {
	return func() (flags.Snapshot, error) { return s, nil }
}

func enabledSnapshot() flags.Snapshot {
	return flags.Snapshot{
		Enabled:       true,
		Shadow:        true,
		MockByDefault: true,
		TTLDays:       7,
		PolicyVersion: "1.0",
	}
}

func TestDispatchDisabledWritesNothing(t *testing.T) {
	runs := newFakeRunRepo()
	strategy := &countingStrategy{output: domain.Metadata{"title": "x"}, model: "mock"}
	svc := NewService(testLogger(), runs, snapshotFunc(flags.Snapshot{Enabled: false, TTLDays: 7, PolicyVersion: "1.0"}))

	outcome, err := svc.Dispatch(context.Background(), Request{
		Framework: domain.FrameworkProductCopy,
		TenantID:  "tenant-1",
		Payload:   domain.Metadata{"product_name": "Wallet"},
	}, strategy)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Kind != domain.OutcomeDisabled {
		t.Fatalf("kind=%q, want disabled", outcome.Kind)
	}
	if len(runs.created) != 0 {
		t.Fatalf("disabled dispatch wrote %d records", len(runs.created))
	}
	if strategy.calls != 0 {
		t.Fatalf("disabled dispatch invoked strategy %d times", strategy.calls)
	}
}

func TestDispatchCacheHitWritesReflection(t *testing.T) {
	runs := newFakeRunRepo()
	runs.cachedHit = true
	runs.cachedOutput = domain.Metadata{"title": "Cached Wallet"}
	strategy := &countingStrategy{output: domain.Metadata{"title": "fresh"}, model: "mock"}
	svc := NewService(testLogger(), runs, snapshotFunc(enabledSnapshot()))

	outcome, err := svc.Dispatch(context.Background(), Request{
		Framework: domain.FrameworkProductCopy,
		TenantID:  "tenant-1",
		Payload:   domain.Metadata{"product_name": "Wallet"},
	}, strategy)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Kind != domain.OutcomeCached {
		t.Fatalf("kind=%q, want cached", outcome.Kind)
	}
	if strategy.calls != 0 {
		t.Fatalf("cache hit invoked strategy %d times", strategy.calls)
	}
	if len(runs.created) != 1 {
		t.Fatalf("cache hit wrote %d records, want 1", len(runs.created))
	}

	record := runs.created[0]
	if !record.Cached || !record.UsedMock {
		t.Fatalf("reflection flags cached=%v used_mock=%v", record.Cached, record.UsedMock)
	}
	if record.DurationMs != 0 {
		t.Fatalf("reflection duration=%d, want 0", record.DurationMs)
	}
	if record.ModelName != "cached" || record.ModelTier != domain.ModelTierCached {
		t.Fatalf("reflection model=%q tier=%q", record.ModelName, record.ModelTier)
	}
	if record.Status != domain.RunStatusSuccess {
		t.Fatalf("reflection status=%q", record.Status)
	}
	if record.FrameworkVersion != domain.DefaultFrameworkVersion {
		t.Fatalf("framework version=%q, want %q", record.FrameworkVersion, domain.DefaultFrameworkVersion)
	}

	env := outcome.Envelope
	if !env.Cached || !env.UsedMock || env.ModelName != "cached" || env.DurationMs != 0 {
		t.Fatalf("envelope=%+v", env)
	}
	if env.Output["title"] != "Cached Wallet" {
		t.Fatalf("envelope output=%v", env.Output)
	}
}

func TestDispatchBlankCredentialForcesMock(t *testing.T) {
	runs := newFakeRunRepo()
	strategy := &countingStrategy{output: domain.Metadata{"title": "x"}, model: "mock"}

	// use_mock explicitly off, but no credential configured.
	off := false
	snapshot := enabledSnapshot()
	snapshot.UseMock = &off
	snapshot.MockByDefault = false
	snapshot.Credential = ""
	svc := NewService(testLogger(), runs, snapshotFunc(snapshot))

	outcome, err := svc.Dispatch(context.Background(), Request{
		Framework: domain.FrameworkProductCopy,
		TenantID:  "tenant-1",
	}, strategy)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !outcome.Envelope.UsedMock {
		t.Fatalf("expected mock to be forced without credential")
	}
	if len(runs.created) != 1 || !runs.created[0].UsedMock {
		t.Fatalf("record should be marked used_mock")
	}
}

func TestDispatchStrategyErrorSettlesFailed(t *testing.T) {
	runs := newFakeRunRepo()
	strategy := &countingStrategy{err: errors.New("boom")}
	svc := NewService(testLogger(), runs, snapshotFunc(enabledSnapshot()))

	_, err := svc.Dispatch(context.Background(), Request{
		Framework: domain.FrameworkSEO,
		TenantID:  "tenant-1",
	}, strategy)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v, want wrapped boom", err)
	}
	if len(runs.created) != 1 {
		t.Fatalf("wrote %d records, want 1", len(runs.created))
	}
	runID := runs.created[0].ID
	if runs.failed[runID] != domain.RunStatusFailed {
		t.Fatalf("status=%q, want FAILED", runs.failed[runID])
	}
	if !strings.Contains(runs.failMsgs[runID], "boom") {
		t.Fatalf("error message=%q", runs.failMsgs[runID])
	}
}

func TestDispatchDeadlineMapsToTimeout(t *testing.T) {
	runs := newFakeRunRepo()
	strategy := &countingStrategy{err: context.DeadlineExceeded}
	svc := NewService(testLogger(), runs, snapshotFunc(enabledSnapshot()))

	_, err := svc.Dispatch(context.Background(), Request{
		Framework: domain.FrameworkSEO,
		TenantID:  "tenant-1",
	}, strategy)
	if err == nil {
		t.Fatalf("expected error")
	}
	runID := runs.created[0].ID
	if runs.failed[runID] != domain.RunStatusTimeout {
		t.Fatalf("status=%q, want TIMEOUT", runs.failed[runID])
	}
}

func TestDispatchExpiredContextStillSettles(t *testing.T) {
	runs := newFakeRunRepo()
	strategy := StrategyFunc(func(ctx context.Context, req Request, snapshot flags.Snapshot) (domain.Metadata, string, error) {
		<-ctx.Done()
		return nil, "", ctx.Err()
	})
	svc := NewService(testLogger(), runs, snapshotFunc(enabledSnapshot()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Dispatch(ctx, Request{
		Framework: domain.FrameworkSEO,
		TenantID:  "tenant-1",
	}, strategy)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(runs.created) != 1 {
		t.Fatalf("wrote %d records, want 1", len(runs.created))
	}
	runID := runs.created[0].ID
	if runs.failed[runID] != domain.RunStatusTimeout {
		t.Fatalf("status=%q, want TIMEOUT after the request deadline passed", runs.failed[runID])
	}
}

func TestDispatchCanceledCallerStillSettles(t *testing.T) {
	runs := newFakeRunRepo()
	output := domain.Metadata{"title": "x"}
	ctx, cancel := context.WithCancel(context.Background())
	strategy := StrategyFunc(func(ctx context.Context, req Request, snapshot flags.Snapshot) (domain.Metadata, string, error) {
		cancel()
		return output, "mock", nil
	})
	svc := NewService(testLogger(), runs, snapshotFunc(enabledSnapshot()))

	outcome, err := svc.Dispatch(ctx, Request{
		Framework: domain.FrameworkProductCopy,
		TenantID:  "tenant-1",
	}, strategy)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := runs.completed[outcome.Envelope.RunID]; !ok {
		t.Fatalf("run %s was not settled after caller disconnect", outcome.Envelope.RunID)
	}
}

func TestDispatchSuccessEnvelope(t *testing.T) {
	runs := newFakeRunRepo()
	strategy := &countingStrategy{
		output: domain.Metadata{"meta_title": "Home"},
		model:  "mock",
		delay:  5 * time.Millisecond,
	}
	svc := NewService(testLogger(), runs, snapshotFunc(enabledSnapshot()))

	outcome, err := svc.Dispatch(context.Background(), Request{
		Framework: domain.FrameworkSEO,
		TenantID:  "tenant-1",
		Payload:   domain.Metadata{"page": "home"},
	}, strategy)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Kind != domain.OutcomeExecuted {
		t.Fatalf("kind=%q, want executed", outcome.Kind)
	}

	env := outcome.Envelope
	if env.Cached {
		t.Fatalf("fresh execution marked cached")
	}
	if !env.UsedMock {
		t.Fatalf("mock-by-default snapshot should mark used_mock")
	}
	if env.ModelName != "mock" {
		t.Fatalf("model=%q", env.ModelName)
	}
	if env.DurationMs <= 0 {
		t.Fatalf("duration=%d, want > 0", env.DurationMs)
	}
	if env.RunID == "" {
		t.Fatalf("run id missing from envelope")
	}
	if _, ok := runs.completed[env.RunID]; !ok {
		t.Fatalf("run %s was not settled", env.RunID)
	}
	if runs.created[0].Status != domain.RunStatusRunning {
		t.Fatalf("initial record status=%q, want RUNNING", runs.created[0].Status)
	}
	if !runs.created[0].IsShadow {
		t.Fatalf("shadow snapshot should mark is_shadow")
	}
	if runs.created[0].FrameworkVersion != domain.DefaultFrameworkVersion {
		t.Fatalf("framework version=%q, want %q", runs.created[0].FrameworkVersion, domain.DefaultFrameworkVersion)
	}
}
