package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

const insertRunQuery = `INSERT INTO framework_runs (
	run_id,
	tenant_id,
	framework_name,
	framework_version,
	input_hash,
	input_data,
	policy_version,
	output_data,
	baseline_output,
	diff_summary,
	status,
	is_shadow,
	cached,
	used_mock,
	model_tier,
	model_name,
	duration_ms,
	retry_count,
	error_message,
	error_detail,
	started_at,
	completed_at,
	created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`

const selectRunColumns = `run_id, tenant_id, framework_name, framework_version, input_hash, input_data,
	policy_version, output_data, baseline_output, diff_summary, status, is_shadow, cached, used_mock,
	model_tier, model_name, duration_ms, retry_count, error_message, error_detail,
	started_at, completed_at, created_at`

// Terminal updates only apply while the run is still open, so a settled
// run can never be settled twice and terminal rows stay immutable.
const completeRunQuery = `UPDATE framework_runs
	SET status = 'SUCCESS', output_data = $2, model_tier = $3, model_name = $4,
		duration_ms = $5, completed_at = $6
	WHERE run_id = $1 AND status IN ('PENDING','RUNNING')`

const failRunQuery = `UPDATE framework_runs
	SET status = $2, error_message = $3, error_detail = $4, duration_ms = $5, completed_at = $6
	WHERE run_id = $1 AND status IN ('PENDING','RUNNING')`

// A diff attaches once, and only to a settled run.
const attachDiffQuery = `UPDATE framework_runs
	SET diff_summary = $2
	WHERE run_id = $1 AND diff_summary IS NULL AND status IN ('SUCCESS','FAILED','TIMEOUT')`

// Cache lookups never match rows that were themselves served from cache,
// so a hit always reflects an organic execution.
const findCachedQuery = `SELECT output_data FROM framework_runs
	WHERE input_hash = $1 AND status = 'SUCCESS' AND cached = FALSE AND created_at >= $2
	ORDER BY created_at DESC
	LIMIT 1`

type FrameworkRunStore struct {
	db DB
}

func NewFrameworkRunStore(db DB) *FrameworkRunStore {
	if db == nil {
		return nil
	}
	return &FrameworkRunStore{db: db}
}

func (s *FrameworkRunStore) CreateRun(ctx context.Context, run domain.FrameworkRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	inputJSON, err := encodeMetadata(run.InputData)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	outputJSON, err := encodeNullableMetadata(run.OutputData)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	baselineJSON, err := encodeNullableMetadata(run.BaselineOutput)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	diffJSON, err := encodeNullableMetadata(run.DiffSummary)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: run.CompletedAt.UTC(), Valid: true}
	}
	version := strings.TrimSpace(run.FrameworkVersion)
	if version == "" {
		version = domain.DefaultFrameworkVersion
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.TenantID),
		strings.TrimSpace(run.FrameworkName),
		version,
		strings.TrimSpace(run.InputHash),
		inputJSON,
		nullIfEmpty(run.PolicyVersion),
		outputJSON,
		baselineJSON,
		diffJSON,
		string(run.Status),
		run.IsShadow,
		run.Cached,
		run.UsedMock,
		nullIfEmpty(string(run.ModelTier)),
		nullIfEmpty(run.ModelName),
		run.DurationMs,
		run.RetryCount,
		nullIfEmpty(run.ErrorMessage),
		nullIfEmpty(run.ErrorDetail),
		normalizeTime(run.StartedAt),
		completedAt,
		normalizeTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *FrameworkRunStore) GetRun(ctx context.Context, id string) (domain.FrameworkRun, error) {
	if s == nil || s.db == nil {
		return domain.FrameworkRun{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.FrameworkRun{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectRunColumns+` FROM framework_runs WHERE run_id = $1`,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.FrameworkRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *FrameworkRunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.FrameworkRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.TenantID) != "" {
		args = append(args, strings.TrimSpace(filter.TenantID))
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.FrameworkName) != "" {
		args = append(args, strings.TrimSpace(filter.FrameworkName))
		clauses = append(clauses, fmt.Sprintf("framework_name = $%d", len(args)))
	}
	if domain.NormalizeRunStatus(string(filter.Status)) != "" {
		args = append(args, string(domain.NormalizeRunStatus(string(filter.Status))))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + selectRunColumns + ` FROM framework_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.FrameworkRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *FrameworkRunStore) CompleteRun(ctx context.Context, id string, output domain.Metadata, tier domain.ModelTier, modelName string, durationMs int64, completedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	outputJSON, err := encodeMetadata(output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		completeRunQuery,
		id,
		outputJSON,
		string(tier),
		nullIfEmpty(modelName),
		durationMs,
		normalizeTime(completedAt),
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return s.requireUpdated(ctx, res, id)
}

func (s *FrameworkRunStore) FailRun(ctx context.Context, id string, status domain.RunStatus, errMsg, errDetail string, durationMs int64, completedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if status != domain.RunStatusFailed && status != domain.RunStatusTimeout {
		return fmt.Errorf("fail status must be FAILED or TIMEOUT (got %q)", status)
	}
	res, err := s.db.ExecContext(
		ctx,
		failRunQuery,
		id,
		string(status),
		nullIfEmpty(errMsg),
		nullIfEmpty(errDetail),
		durationMs,
		normalizeTime(completedAt),
	)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return s.requireUpdated(ctx, res, id)
}

func (s *FrameworkRunStore) AttachDiff(ctx context.Context, id string, diff domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	diffJSON, err := encodeMetadata(diff)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	res, err := s.db.ExecContext(ctx, attachDiffQuery, id, diffJSON)
	if err != nil {
		return fmt.Errorf("attach diff: %w", err)
	}
	return s.requireUpdated(ctx, res, id)
}

func (s *FrameworkRunStore) FindCached(ctx context.Context, inputHash string, ttlDays int) (domain.Metadata, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("run store not initialized")
	}
	inputHash = strings.TrimSpace(inputHash)
	if inputHash == "" {
		return nil, false, fmt.Errorf("input hash is required")
	}
	if ttlDays <= 0 {
		return nil, false, nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(ttlDays) * 24 * time.Hour)

	var outputJSON []byte
	err := s.db.QueryRowContext(ctx, findCachedQuery, inputHash, cutoff).Scan(&outputJSON)
	if err != nil {
		if handleNotFound(err) == repo.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find cached: %w", err)
	}
	output, err := decodeMetadata(outputJSON)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached output: %w", err)
	}
	return output, true, nil
}

// requireUpdated distinguishes a missing run from a run whose lifecycle
// guard rejected the update.
func (s *FrameworkRunStore) requireUpdated(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM framework_runs WHERE run_id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if !exists {
		return repo.ErrNotFound
	}
	return repo.ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.FrameworkRun, error) {
	var run domain.FrameworkRun
	var frameworkVersion sql.NullString
	var policyVersion sql.NullString
	var modelTier sql.NullString
	var modelName sql.NullString
	var errorMessage sql.NullString
	var errorDetail sql.NullString
	var completedAt sql.NullTime
	var inputJSON []byte
	var outputJSON []byte
	var baselineJSON []byte
	var diffJSON []byte

	if err := row.Scan(
		&run.ID,
		&run.TenantID,
		&run.FrameworkName,
		&frameworkVersion,
		&run.InputHash,
		&inputJSON,
		&policyVersion,
		&outputJSON,
		&baselineJSON,
		&diffJSON,
		&run.Status,
		&run.IsShadow,
		&run.Cached,
		&run.UsedMock,
		&modelTier,
		&modelName,
		&run.DurationMs,
		&run.RetryCount,
		&errorMessage,
		&errorDetail,
		&run.StartedAt,
		&completedAt,
		&run.CreatedAt,
	); err != nil {
		return domain.FrameworkRun{}, err
	}

	if frameworkVersion.Valid {
		run.FrameworkVersion = frameworkVersion.String
	}
	if policyVersion.Valid {
		run.PolicyVersion = policyVersion.String
	}
	if modelTier.Valid {
		run.ModelTier = domain.ModelTier(modelTier.String)
	}
	if modelName.Valid {
		run.ModelName = modelName.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	if errorDetail.Valid {
		run.ErrorDetail = errorDetail.String
	}
	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		run.CompletedAt = &completed
	}

	input, err := decodeMetadata(inputJSON)
	if err != nil {
		return domain.FrameworkRun{}, fmt.Errorf("decode input: %w", err)
	}
	run.InputData = input

	if len(outputJSON) > 0 {
		output, err := decodeMetadata(outputJSON)
		if err != nil {
			return domain.FrameworkRun{}, fmt.Errorf("decode output: %w", err)
		}
		run.OutputData = output
	}
	if len(baselineJSON) > 0 {
		baseline, err := decodeMetadata(baselineJSON)
		if err != nil {
			return domain.FrameworkRun{}, fmt.Errorf("decode baseline: %w", err)
		}
		run.BaselineOutput = baseline
	}
	if len(diffJSON) > 0 {
		diff, err := decodeMetadata(diffJSON)
		if err != nil {
			return domain.FrameworkRun{}, fmt.Errorf("decode diff: %w", err)
		}
		run.DiffSummary = diff
	}
	return run, nil
}
