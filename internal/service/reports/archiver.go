// Package reports archives shadow diff reports to object storage so they
// survive ledger retention and can be pulled into offline review tooling.
package reports

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/platform/objectstore"
)

// ObjectPutter is the slice of the MinIO client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Report is the archived artifact: the diff plus enough run context to
// review it without a ledger lookup.
type Report struct {
	ReportID      string          `json:"report_id"`
	RunID         string          `json:"run_id"`
	TenantID      string          `json:"tenant_id"`
	FrameworkName string          `json:"framework_name"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Diff          domain.Metadata `json:"diff"`
}

type Archiver struct {
	logger *slog.Logger
	store  ObjectPutter
	cfg    objectstore.Config
}

// NewArchiver returns nil when no object store client is configured;
// callers treat a nil archiver as archival disabled.
func NewArchiver(logger *slog.Logger, store ObjectPutter, cfg objectstore.Config) *Archiver {
	if store == nil {
		return nil
	}
	return &Archiver{logger: logger, store: store, cfg: cfg}
}

// Archive uploads one diff report as JSON under the run's object key and
// returns the object key.
func (a *Archiver) Archive(ctx context.Context, run domain.FrameworkRun, diff domain.Metadata) (string, error) {
	if a == nil || a.store == nil {
		return "", nil
	}
	runID := strings.TrimSpace(run.ID)
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	report := Report{
		ReportID:      uuid.NewString(),
		RunID:         runID,
		TenantID:      run.TenantID,
		FrameworkName: run.FrameworkName,
		GeneratedAt:   time.Now().UTC(),
		Diff:          diff,
	}
	reportBytes, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	reportSHA := sha256.Sum256(reportBytes)

	objectKey := "diff-reports/" + runID + ".json"
	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = a.store.PutObject(
		putCtx,
		a.cfg.BucketReports,
		objectKey,
		bytes.NewReader(reportBytes),
		int64(len(reportBytes)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return "", fmt.Errorf("archive report: %w", err)
	}

	a.logger.Info("diff report archived",
		"run_id", runID,
		"report_id", report.ReportID,
		"object_key", objectKey,
		"sha256", hex.EncodeToString(reportSHA[:]))
	return objectKey, nil
}
