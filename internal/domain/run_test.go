package domain

import "testing"

func TestCanTransitionRunStatus(t *testing.T) {
	allowed := []struct{ from, to RunStatus }{
		{RunStatusPending, RunStatusRunning},
		{RunStatusPending, RunStatusSuccess},
		{RunStatusRunning, RunStatusSuccess},
		{RunStatusRunning, RunStatusFailed},
		{RunStatusRunning, RunStatusTimeout},
	}
	for _, tc := range allowed {
		if !CanTransitionRunStatus(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to RunStatus }{
		{RunStatusSuccess, RunStatusRunning},
		{RunStatusSuccess, RunStatusFailed},
		{RunStatusFailed, RunStatusSuccess},
		{RunStatusTimeout, RunStatusRunning},
		{RunStatusRunning, RunStatusPending},
		{RunStatusRunning, RunStatusRunning},
		{"", RunStatusRunning},
		{RunStatusRunning, ""},
	}
	for _, tc := range denied {
		if CanTransitionRunStatus(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s denied", tc.from, tc.to)
		}
	}
}

func TestValidateCachedInvariants(t *testing.T) {
	run := FrameworkRun{
		ID:            "run-1",
		TenantID:      "tenant-1",
		FrameworkName: FrameworkSEO,
		InputHash:     "abc",
		Status:        RunStatusSuccess,
		Cached:        true,
		UsedMock:      true,
		ModelTier:     ModelTierCached,
	}
	if err := run.Validate(); err != nil {
		t.Fatalf("valid cached run rejected: %v", err)
	}

	broken := run
	broken.DurationMs = 42
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected cached run with nonzero duration rejected")
	}

	broken = run
	broken.Status = RunStatusRunning
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected cached RUNNING run rejected")
	}

	broken = run
	broken.UsedMock = false
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected cached run without used_mock rejected")
	}
}

func TestNormalizeRunStatus(t *testing.T) {
	if got := NormalizeRunStatus(" success "); got != RunStatusSuccess {
		t.Fatalf("expected SUCCESS, got %q", got)
	}
	if got := NormalizeRunStatus("bogus"); got != "" {
		t.Fatalf("expected empty for unknown status, got %q", got)
	}
}
