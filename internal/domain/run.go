package domain

import (
	"errors"
	"strings"
	"time"
)

// Metadata is a structured JSON payload attached to a run.
type Metadata map[string]any

// RunStatus is the lifecycle state of a framework run. Transitions are
// forward-only: PENDING/RUNNING reach exactly one terminal state and
// terminal records are never re-opened.
type RunStatus string

const (
	RunStatusPending RunStatus = "PENDING"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
	RunStatusTimeout RunStatus = "TIMEOUT"
)

// ModelTier records which class of model served a run.
type ModelTier string

const (
	ModelTierMock     ModelTier = "mock"
	ModelTierStandard ModelTier = "standard"
	ModelTierPremium  ModelTier = "premium"
	ModelTierCached   ModelTier = "cached"
)

// Framework names the engine dispatches to.
const (
	FrameworkProductCopy = "product_copy"
	FrameworkSEO         = "seo"
	FrameworkBlueprint   = "blueprint"
)

// DefaultFrameworkVersion stamps runs whose framework carries no explicit
// version of its own.
const DefaultFrameworkVersion = "1.0"

// FrameworkRun is the sole persisted entity of the engine: one ledger row
// per dispatch, serving as both cache source of truth and telemetry.
type FrameworkRun struct {
	ID               string
	TenantID         string
	FrameworkName    string
	FrameworkVersion string

	InputHash     string
	InputData     Metadata
	PolicyVersion string

	OutputData     Metadata
	BaselineOutput Metadata
	DiffSummary    Metadata

	Status   RunStatus
	IsShadow bool
	Cached   bool
	UsedMock bool

	ModelTier  ModelTier
	ModelName  string
	DurationMs int64
	RetryCount int

	ErrorMessage string
	ErrorDetail  string

	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(RunStatusPending):
		return RunStatusPending
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSuccess):
		return RunStatusSuccess
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusTimeout):
		return RunStatusTimeout
	default:
		return ""
	}
}

// IsTerminal reports whether a status permits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusTimeout:
		return true
	default:
		return false
	}
}

// CanTransitionRunStatus enforces the forward-only run lifecycle.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current.IsTerminal() {
		return false
	}
	switch current {
	case RunStatusPending:
		return next == RunStatusRunning || next.IsTerminal()
	case RunStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

func (r FrameworkRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.FrameworkName) == "" {
		return errors.New("framework name is required")
	}
	if strings.TrimSpace(r.InputHash) == "" {
		return errors.New("input hash is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.Cached {
		if r.Status != RunStatusSuccess {
			return errors.New("cached run must be SUCCESS")
		}
		if r.DurationMs != 0 {
			return errors.New("cached run must have zero duration")
		}
		if !r.UsedMock {
			return errors.New("cached run must be marked used_mock")
		}
		if r.ModelTier != ModelTierCached {
			return errors.New("cached run must have cached model tier")
		}
	}
	return nil
}
