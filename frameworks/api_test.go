package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/flags"
	"github.com/draftline-labs/draftline-go/internal/lint"
	"github.com/draftline-labs/draftline-go/internal/repo"
	"github.com/draftline-labs/draftline-go/internal/service/dispatch"
	"github.com/draftline-labs/draftline-go/internal/shadow"
)

type fakeRunRepo struct {
	created []domain.FrameworkRun
	byID    map[string]domain.FrameworkRun
	diffs   map[string]domain.Metadata
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		byID:  map[string]domain.FrameworkRun{},
		diffs: map[string]domain.Metadata{},
	}
}

func (f *fakeRunRepo) CreateRun(ctx context.Context, run domain.FrameworkRun) error {
	f.created = append(f.created, run)
	f.byID[run.ID] = run
	return nil
}

func (f *fakeRunRepo) GetRun(ctx context.Context, id string) (domain.FrameworkRun, error) {
	run, ok := f.byID[id]
	if !ok {
		return domain.FrameworkRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.FrameworkRun, error) {
	return f.created, nil
}

func (f *fakeRunRepo) CompleteRun(ctx context.Context, id string, output domain.Metadata, tier domain.ModelTier, modelName string, durationMs int64, completedAt time.Time) error {
	run := f.byID[id]
	run.Status = domain.RunStatusSuccess
	run.OutputData = output
	f.byID[id] = run
	return nil
}

func (f *fakeRunRepo) FailRun(ctx context.Context, id string, status domain.RunStatus, errMsg, errDetail string, durationMs int64, completedAt time.Time) error {
	run := f.byID[id]
	run.Status = status
	run.ErrorMessage = errMsg
	f.byID[id] = run
	return nil
}

func (f *fakeRunRepo) AttachDiff(ctx context.Context, id string, diff domain.Metadata) error {
	run, ok := f.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.DiffSummary != nil {
		return repo.ErrInvalidTransition
	}
	run.DiffSummary = diff
	f.byID[id] = run
	f.diffs[id] = diff
	return nil
}

func (f *fakeRunRepo) FindCached(ctx context.Context, inputHash string, ttlDays int) (domain.Metadata, bool, error) {
	return nil, false, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSnapshot(enabled bool) flags.Snapshot {
	return flags.Snapshot{
		Enabled:       enabled,
		Shadow:        true,
		MockByDefault: true,
		TTLDays:       7,
		PolicyVersion: "1.0",
	}
}

func newTestAPI(t *testing.T, runs *fakeRunRepo, enabled bool) (*frameworksAPI, *http.ServeMux) {
	t.Helper()
	snapshot := func() (flags.Snapshot, error) { return testSnapshot(enabled), nil }
	dispatcher := dispatch.NewService(testLogger(), runs, snapshot)
	strategy := dispatch.StrategyFunc(func(ctx context.Context, req dispatch.Request, snap flags.Snapshot) (domain.Metadata, string, error) {
		return domain.Metadata{"title": "Generated"}, "mock", nil
	})
	analyzer := lint.NewAnalyzer(lint.DefaultPolicy())
	runner, err := shadow.NewRunner(testLogger(), dispatcher, strategy, analyzer, runs, nil, shadow.Config{
		Workers:     1,
		QueueSize:   2,
		TaskTimeout: time.Second,
		MaxRetries:  0,
		BaseBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	api := newFrameworksAPI(testLogger(), nil, runs, dispatcher, strategy, runner, analyzer, snapshot)
	mux := http.NewServeMux()
	api.register(mux)
	return api, mux
}

func TestDispatchUnknownFramework(t *testing.T) {
	_, mux := newTestAPI(t, newFakeRunRepo(), true)

	req := httptest.NewRequest(http.MethodPost, "/v1/frameworks/haiku/dispatch",
		strings.NewReader(`{"tenant_id":"tenant-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestDispatchExecutes(t *testing.T) {
	runs := newFakeRunRepo()
	_, mux := newTestAPI(t, runs, true)

	req := httptest.NewRequest(http.MethodPost, "/v1/frameworks/product_copy/dispatch",
		strings.NewReader(`{"tenant_id":"tenant-1","payload":{"product_name":"Wallet"}}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body dispatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Kind != string(domain.OutcomeExecuted) {
		t.Fatalf("kind=%q, want executed", body.Kind)
	}
	if body.RunID == "" {
		t.Fatalf("run id missing")
	}
	if len(runs.created) != 1 {
		t.Fatalf("wrote %d records", len(runs.created))
	}
}

func TestDispatchDisabledFramework(t *testing.T) {
	runs := newFakeRunRepo()
	_, mux := newTestAPI(t, runs, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/frameworks/seo/dispatch",
		strings.NewReader(`{"tenant_id":"tenant-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body dispatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Kind != string(domain.OutcomeDisabled) {
		t.Fatalf("kind=%q, want disabled", body.Kind)
	}
	if len(runs.created) != 0 {
		t.Fatalf("disabled dispatch wrote %d records", len(runs.created))
	}
}

func TestDispatchRequiresTenant(t *testing.T) {
	_, mux := newTestAPI(t, newFakeRunRepo(), true)

	req := httptest.NewRequest(http.MethodPost, "/v1/frameworks/seo/dispatch",
		strings.NewReader(`{"payload":{}}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestShadowEnqueueAccepted(t *testing.T) {
	_, mux := newTestAPI(t, newFakeRunRepo(), true)

	req := httptest.NewRequest(http.MethodPost, "/v1/frameworks/blueprint/shadow",
		strings.NewReader(`{"tenant_id":"tenant-1","payload":{"name":"Store"}}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestShadowQueueFull(t *testing.T) {
	_, mux := newTestAPI(t, newFakeRunRepo(), true)

	body := `{"tenant_id":"tenant-1"}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/frameworks/seo/shadow", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("enqueue %d: status=%d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/frameworks/seo/shadow", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	_, mux := newTestAPI(t, newFakeRunRepo(), true)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestAttachDiffLifecycle(t *testing.T) {
	runs := newFakeRunRepo()
	_, mux := newTestAPI(t, runs, true)

	now := time.Now().UTC()
	_ = runs.CreateRun(context.Background(), domain.FrameworkRun{
		ID:             "run-open",
		TenantID:       "tenant-1",
		FrameworkName:  domain.FrameworkProductCopy,
		InputHash:      "hash",
		Status:         domain.RunStatusRunning,
		StartedAt:      now,
		CreatedAt:      now,
		BaselineOutput: domain.Metadata{"description": "A wallet."},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/run-open/diff", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("open run: status=%d, want 409", rec.Code)
	}

	_ = runs.CreateRun(context.Background(), domain.FrameworkRun{
		ID:             "run-done",
		TenantID:       "tenant-1",
		FrameworkName:  domain.FrameworkProductCopy,
		InputHash:      "hash",
		Status:         domain.RunStatusSuccess,
		StartedAt:      now,
		CreatedAt:      now,
		BaselineOutput: domain.Metadata{"description": "A wallet."},
		OutputData:     domain.Metadata{"description": "A handcrafted leather wallet."},
	})

	req = httptest.NewRequest(http.MethodPost, "/v1/runs/run-done/diff", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("settled run: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if _, ok := runs.diffs["run-done"]; !ok {
		t.Fatalf("diff not attached")
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/runs/run-done/diff", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second attach: status=%d, want 409", rec.Code)
	}
}

func TestGetFlags(t *testing.T) {
	_, mux := newTestAPI(t, newFakeRunRepo(), true)

	req := httptest.NewRequest(http.MethodGet, "/v1/flags/product_copy", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["enabled"] != true {
		t.Fatalf("enabled=%v", body["enabled"])
	}
	if body["use_mock"] != true {
		t.Fatalf("blank credential must force use_mock, got %v", body["use_mock"])
	}
}

func TestOpenAPIContractValidation(t *testing.T) {
	_, mux := newTestAPI(t, newFakeRunRepo(), true)

	validate, err := newOpenAPIMiddleware(testLogger())
	if err != nil {
		t.Fatalf("contract init: %v", err)
	}
	handler := validate(mux)

	// Missing required tenant_id is rejected by the contract before the
	// handler runs.
	req := httptest.NewRequest(http.MethodPost, "/v1/frameworks/seo/dispatch",
		strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/frameworks/seo/dispatch",
		strings.NewReader(`{"tenant_id":"tenant-1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	// Paths outside the contract pass through.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 from mux", rec.Code)
	}
}
