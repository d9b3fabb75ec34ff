package repo

import (
	"context"
	"errors"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status update would move a
	// run out of a terminal state or otherwise break the run lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type RunFilter struct {
	TenantID      string
	FrameworkName string
	Status        domain.RunStatus
	Limit         int
}

// RunRepository manages the framework run ledger. Terminal updates are
// guarded so a run settles exactly once.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.FrameworkRun) error
	GetRun(ctx context.Context, id string) (domain.FrameworkRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.FrameworkRun, error)

	CompleteRun(ctx context.Context, id string, output domain.Metadata, tier domain.ModelTier, modelName string, durationMs int64, completedAt time.Time) error
	FailRun(ctx context.Context, id string, status domain.RunStatus, errMsg, errDetail string, durationMs int64, completedAt time.Time) error

	// AttachDiff records the shadow comparison on a settled run. It is a
	// one-time write; a second attach reports ErrInvalidTransition.
	AttachDiff(ctx context.Context, id string, diff domain.Metadata) error

	// FindCached returns the newest organic SUCCESS output for the hash
	// within the TTL window. Records that were themselves served from
	// cache never satisfy a lookup.
	FindCached(ctx context.Context, inputHash string, ttlDays int) (domain.Metadata, bool, error)
}
