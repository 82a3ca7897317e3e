package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Rollout/internal/domain"
)

// SubmissionRepo — записи durable-планировщика (job_submissions).
type SubmissionRepo struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepo создаёт новый SubmissionRepo.
func NewSubmissionRepo(pool *pgxpool.Pool) *SubmissionRepo {
	return &SubmissionRepo{pool: pool}
}

const submissionColumns = `job_id, due_at, status, attempts, last_error, dispatched_at, created_at`

// Create сохраняет запись. Повторная передача того же задания
// только сдвигает due_at, пока запись PENDING.
func (r *SubmissionRepo) Create(ctx context.Context, s *domain.Submission) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_submissions (job_id, due_at, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET due_at = EXCLUDED.due_at
		WHERE job_submissions.status = $3
	`, s.JobID, s.DueAt, string(domain.SubmissionPending), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// Get возвращает запись по ID задания.
func (r *SubmissionRepo) Get(ctx context.Context, jobID uuid.UUID) (*domain.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM job_submissions WHERE job_id = $1`
	s, err := scanSubmission(r.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return s, nil
}

// ListDue возвращает PENDING записи с due_at <= now, старые первыми.
func (r *SubmissionRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error) {
	query := `SELECT ` + submissionColumns + `
		FROM job_submissions
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, string(domain.SubmissionPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due submissions: %w", err)
	}
	defer rows.Close()

	var out []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// MarkDispatched фиксирует успешную публикацию.
func (r *SubmissionRepo) MarkDispatched(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE job_submissions
		SET status = $2, attempts = attempts + 1, dispatched_at = $3, last_error = NULL
		WHERE job_id = $1 AND status = $4
	`, jobID, string(domain.SubmissionDispatched), at, string(domain.SubmissionPending))
	if err != nil {
		return fmt.Errorf("mark submission dispatched: %w", err)
	}
	return nil
}

// RecordFailure фиксирует неудачную публикацию; запись остаётся PENDING.
func (r *SubmissionRepo) RecordFailure(ctx context.Context, jobID uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE job_submissions
		SET attempts = attempts + 1, last_error = $2
		WHERE job_id = $1
	`, jobID, reason)
	if err != nil {
		return fmt.Errorf("record submission failure: %w", err)
	}
	return nil
}

// Cancel переводит PENDING запись в CANCELLED.
// Возвращает false, если запись уже опубликована или отменена.
func (r *SubmissionRepo) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE job_submissions SET status = $2
		WHERE job_id = $1 AND status = $3
	`, jobID, string(domain.SubmissionCancelled), string(domain.SubmissionPending))
	if err != nil {
		return false, fmt.Errorf("cancel submission: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func scanSubmission(row pgx.Row) (*domain.Submission, error) {
	var s domain.Submission
	var status string
	var lastError *string
	err := row.Scan(
		&s.JobID,
		&s.DueAt,
		&status,
		&s.Attempts,
		&lastError,
		&s.DispatchedAt,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SubmissionStatus(status)
	s.LastError = deref(lastError)
	return &s, nil
}
