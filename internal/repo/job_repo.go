package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Rollout/internal/domain"
)

// JobRepo — репозиторий заданий.
//
// Все переходы статуса — условные UPDATE по текущему статусу,
// поэтому параллельные воркеры не выполнят задание дважды.
//
// IN_PROGRESS задание арендовано исполнителем executed_by до
// heartbeat_at + lease. Прогресс и финальный статус записывает только
// текущий арендатор; задание с истёкшей арендой забирает Reclaim.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `
	id, kind, tenant_id, version, notes, payload, target_version_id,
	resolutions, proposal_id, status, scheduled_at, started_at, completed_at,
	scheduled_by, executed_by, cancelled_by, scheduler_ref,
	total_tenants, completed_tenants, succeeded_tenants, failed_tenants,
	tenant_errors, heartbeat_at, metadata, error, created_at`

var terminalJobStatuses = []string{
	string(domain.JobStatusCompleted),
	string(domain.JobStatusPartiallyCompleted),
	string(domain.JobStatusFailed),
	string(domain.JobStatusCancelled),
}

// Create сохраняет новое задание.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, r.pool, job)
}

func insertJob(ctx context.Context, q pgQuerier, job *domain.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	resolutionsJSON, err := json.Marshal(orEmptyMap(job.Resolutions))
	if err != nil {
		return fmt.Errorf("marshal resolutions: %w", err)
	}
	succeededJSON, failedJSON, errorsJSON, err := marshalOutcomes(job)
	if err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(orEmptyMap(job.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO jobs (
			id, kind, tenant_id, version, notes, payload, target_version_id,
			resolutions, proposal_id, status, scheduled_at, scheduled_by,
			total_tenants, completed_tenants, failed_tenants, tenant_errors,
			metadata, created_at, succeeded_tenants
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = q.Exec(ctx, query,
		job.ID,
		string(job.Kind),
		job.TenantID,
		job.Version,
		job.Notes,
		payloadJSON,
		nullUUID(job.TargetVersionID),
		resolutionsJSON,
		nullUUID(job.ProposalID),
		string(job.Status),
		job.ScheduledAt,
		job.ScheduledBy,
		job.TotalTenants,
		job.CompletedTenants,
		failedJSON,
		errorsJSON,
		metadataJSON,
		job.CreatedAt,
		succeededJSON,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID возвращает задание по ID.
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Claim переводит задание SCHEDULED → IN_PROGRESS и выдаёт аренду executor.
// Возвращает false, если задание уже забрано, завершено или отменено.
func (r *JobRepo) Claim(ctx context.Context, id uuid.UUID, executor string, at time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = $3, heartbeat_at = $3, executed_by = $4
		WHERE id = $1 AND status = $5
	`,
		id,
		string(domain.JobStatusInProgress),
		at,
		executor,
		string(domain.JobStatusScheduled),
	)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Reclaim забирает IN_PROGRESS задание, аренда которого не продлевалась
// с момента staleBefore: прежний исполнитель считается упавшим.
// started_at не меняется.
func (r *JobRepo) Reclaim(ctx context.Context, id uuid.UUID, executor string, at, staleBefore time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET executed_by = $2, heartbeat_at = $3
		WHERE id = $1 AND status = $4 AND COALESCE(heartbeat_at, started_at) < $5
	`,
		id,
		executor,
		at,
		string(domain.JobStatusInProgress),
		staleBefore,
	)
	if err != nil {
		return false, fmt.Errorf("reclaim job: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Heartbeat продлевает аренду. ErrState, если executor её потерял.
func (r *JobRepo) Heartbeat(ctx context.Context, id uuid.UUID, executor string, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = $3
		WHERE id = $1 AND status = $4 AND executed_by = $2
	`,
		id,
		executor,
		at,
		string(domain.JobStatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}
	return nil
}

// SaveProgress сохраняет исходы тенантов задания в IN_PROGRESS
// и продлевает аренду job.ExecutedBy.
func (r *JobRepo) SaveProgress(ctx context.Context, job *domain.Job) error {
	succeededJSON, failedJSON, errorsJSON, err := marshalOutcomes(job)
	if err != nil {
		return err
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET total_tenants = $2, completed_tenants = $3, succeeded_tenants = $4,
		    failed_tenants = $5, tenant_errors = $6, heartbeat_at = NOW()
		WHERE id = $1 AND status = $7 AND executed_by = $8
	`,
		job.ID,
		job.TotalTenants,
		job.CompletedTenants,
		succeededJSON,
		failedJSON,
		errorsJSON,
		string(domain.JobStatusInProgress),
		job.ExecutedBy,
	)
	if err != nil {
		return fmt.Errorf("save job progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionConflict(ctx, job.ID)
	}
	return nil
}

// Finish записывает терминальный статус задания.
//
// IN_PROGRESS задание завершает только его текущий арендатор.
// scheduler_ref не перезаписывается: его выставляет только SetSchedulerRef.
func (r *JobRepo) Finish(ctx context.Context, job *domain.Job) error {
	succeededJSON, failedJSON, errorsJSON, err := marshalOutcomes(job)
	if err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(orEmptyMap(job.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = COALESCE(started_at, $3), completed_at = $4,
		    executed_by = COALESCE(executed_by, $5), cancelled_by = $6,
		    total_tenants = $7, completed_tenants = $8,
		    failed_tenants = $9, tenant_errors = $10, metadata = $11, error = $12,
		    succeeded_tenants = $14
		WHERE id = $1 AND NOT (status = ANY($13))
		  AND (status <> $15 OR executed_by IS NOT DISTINCT FROM $5)
	`,
		job.ID,
		string(job.Status),
		job.StartedAt,
		job.CompletedAt,
		nullString(job.ExecutedBy),
		nullString(job.CancelledBy),
		job.TotalTenants,
		job.CompletedTenants,
		failedJSON,
		errorsJSON,
		metadataJSON,
		nullString(job.Error),
		terminalJobStatuses,
		succeededJSON,
		string(domain.JobStatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionConflict(ctx, job.ID)
	}
	return nil
}

// CancelScheduled переводит задание SCHEDULED → CANCELLED.
func (r *JobRepo) CancelScheduled(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, cancelled_by = $3, completed_at = $4
		WHERE id = $1 AND status = $5
	`,
		id,
		string(domain.JobStatusCancelled),
		by,
		at,
		string(domain.JobStatusScheduled),
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SetSchedulerRef сохраняет идентификатор задания во внешнем планировщике.
func (r *JobRepo) SetSchedulerRef(ctx context.Context, id uuid.UUID, ref string) error {
	result, err := r.pool.Exec(ctx, `UPDATE jobs SET scheduler_ref = $2 WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("set scheduler ref: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List возвращает задания по фильтру, последние по scheduled_at первыми.
func (r *JobRepo) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query, args := buildJobListQuery(filter)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func buildJobListQuery(filter domain.JobFilter) (string, []any) {
	var conditions []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		conditions = append(conditions, "kind = ANY("+arg(kinds)+")")
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = "+arg(string(*filter.Status)))
	}
	if filter.From != nil {
		conditions = append(conditions, "scheduled_at >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conditions = append(conditions, "scheduled_at <= "+arg(*filter.To))
	}
	if filter.LeaseExpiredBefore != nil {
		conditions = append(conditions,
			"status = "+arg(string(domain.JobStatusInProgress)),
			"COALESCE(heartbeat_at, started_at) < "+arg(*filter.LeaseExpiredBefore))
	}

	query := `SELECT` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY scheduled_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return query, args
}

func (r *JobRepo) status(ctx context.Context, id uuid.UUID) (domain.JobStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return domain.ParseJobStatus(status), nil
}

// transitionConflict возвращает ErrNotFound или ErrState с текущим статусом.
func (r *JobRepo) transitionConflict(ctx context.Context, id uuid.UUID) error {
	status, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	return domain.Statef("job %s is %s", id, status)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var kind, status string
	var payloadJSON, resolutionsJSON, succeededJSON, failedJSON, errorsJSON, metadataJSON []byte
	var executedBy, cancelledBy, schedulerRef, jobErr *string

	err := row.Scan(
		&j.ID,
		&kind,
		&j.TenantID,
		&j.Version,
		&j.Notes,
		&payloadJSON,
		&j.TargetVersionID,
		&resolutionsJSON,
		&j.ProposalID,
		&status,
		&j.ScheduledAt,
		&j.StartedAt,
		&j.CompletedAt,
		&j.ScheduledBy,
		&executedBy,
		&cancelledBy,
		&schedulerRef,
		&j.TotalTenants,
		&j.CompletedTenants,
		&succeededJSON,
		&failedJSON,
		&errorsJSON,
		&j.HeartbeatAt,
		&metadataJSON,
		&jobErr,
		&j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Kind = domain.JobKind(kind)
	j.Status = domain.ParseJobStatus(status)
	j.ExecutedBy = deref(executedBy)
	j.CancelledBy = deref(cancelledBy)
	j.SchedulerRef = deref(schedulerRef)
	j.Error = deref(jobErr)

	if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(resolutionsJSON, &j.Resolutions); err != nil {
		return nil, fmt.Errorf("unmarshal resolutions: %w", err)
	}
	if err := json.Unmarshal(succeededJSON, &j.SucceededTenants); err != nil {
		return nil, fmt.Errorf("unmarshal succeeded_tenants: %w", err)
	}
	if err := json.Unmarshal(failedJSON, &j.FailedTenants); err != nil {
		return nil, fmt.Errorf("unmarshal failed_tenants: %w", err)
	}
	if err := json.Unmarshal(errorsJSON, &j.TenantErrors); err != nil {
		return nil, fmt.Errorf("unmarshal tenant_errors: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &j.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(j.Resolutions) == 0 {
		j.Resolutions = nil
	}
	return &j, nil
}

// --- Helpers ---

func marshalOutcomes(job *domain.Job) (succeeded, failed, tenantErrors []byte, err error) {
	if succeeded, err = json.Marshal(orEmptySlice(job.SucceededTenants)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal succeeded_tenants: %w", err)
	}
	if failed, err = json.Marshal(orEmptySlice(job.FailedTenants)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal failed_tenants: %w", err)
	}
	if tenantErrors, err = json.Marshal(orEmptyMap(job.TenantErrors)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal tenant_errors: %w", err)
	}
	return succeeded, failed, tenantErrors, nil
}

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orEmptyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
