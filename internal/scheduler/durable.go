package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
)

// SubmissionStore — хранилище записей job_submissions.
type SubmissionStore interface {
	Create(ctx context.Context, s *domain.Submission) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error)
	MarkDispatched(ctx context.Context, jobID uuid.UUID, at time.Time) error
	RecordFailure(ctx context.Context, jobID uuid.UUID, reason string) error
	Cancel(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Dispatcher публикует задание в очередь воркеров.
type Dispatcher interface {
	PublishJobDue(ctx context.Context, jobID uuid.UUID) error
}

// Durable — планировщик по умолчанию.
//
// Каждое задание сначала записывается в job_submissions; публикация в
// jobs.due происходит сразу (SubmitNow) или на тике лидера после due_at.
// Неудачная публикация оставляет запись PENDING до следующего тика.
type Durable struct {
	submissions SubmissionStore
	dispatcher  Dispatcher
	logger      *slog.Logger
	batchSize   int
	now         func() time.Time
}

// DurableConfig — конфигурация Durable.
type DurableConfig struct {
	Submissions SubmissionStore
	Dispatcher  Dispatcher
	Logger      *slog.Logger
	BatchSize   int // записей за один тик (default: 100)
}

// NewDurable создаёт Durable.
func NewDurable(cfg DurableConfig) *Durable {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Durable{
		submissions: cfg.Submissions,
		dispatcher:  cfg.Dispatcher,
		logger:      logger,
		batchSize:   batchSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SubmitNow записывает задание и сразу публикует его.
// Ошибка публикации не возвращается: запись подберёт Tick.
func (d *Durable) SubmitNow(ctx context.Context, jobID uuid.UUID) (string, error) {
	now := d.now()
	if err := d.submissions.Create(ctx, domain.NewSubmission(jobID, now)); err != nil {
		return "", fmt.Errorf("persist submission: %w", err)
	}
	d.dispatch(ctx, jobID, now)
	return jobID.String(), nil
}

// SubmitAt записывает задание для публикации в момент at.
func (d *Durable) SubmitAt(ctx context.Context, jobID uuid.UUID, at time.Time) (string, error) {
	if !at.After(d.now()) {
		return d.SubmitNow(ctx, jobID)
	}
	if err := d.submissions.Create(ctx, domain.NewSubmission(jobID, at)); err != nil {
		return "", fmt.Errorf("persist submission: %w", err)
	}
	d.logger.Debug("submission deferred", "job_id", jobID, "due_at", at)
	return jobID.String(), nil
}

// Cancel отменяет ещё не опубликованную запись.
// Уже опубликованное задание отсекает условный Claim в ExecuteJob.
func (d *Durable) Cancel(ctx context.Context, ref string) error {
	jobID, err := uuid.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: scheduler ref %q", domain.ErrValidation, ref)
	}
	cancelled, err := d.submissions.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if !cancelled {
		d.logger.Debug("submission already dispatched or cancelled", "job_id", jobID)
	}
	return nil
}

// Tick публикует все записи с наступившим due_at.
//
// Вызывается только лидером. Ошибка одной записи не блокирует остальные.
func (d *Durable) Tick(ctx context.Context) error {
	now := d.now()
	due, err := d.submissions.ListDue(ctx, now, d.batchSize)
	if err != nil {
		return fmt.Errorf("list due submissions: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	dispatched := 0
	for _, s := range due {
		if d.dispatch(ctx, s.JobID, now) {
			dispatched++
		}
	}

	d.logger.Info("scheduler tick completed",
		"due", len(due),
		"dispatched", dispatched,
	)
	return nil
}

// dispatch публикует задание и отмечает запись.
func (d *Durable) dispatch(ctx context.Context, jobID uuid.UUID, now time.Time) bool {
	if err := d.dispatcher.PublishJobDue(ctx, jobID); err != nil {
		d.logger.Warn("failed to publish job.due", "job_id", jobID, "error", err)
		if rerr := d.submissions.RecordFailure(ctx, jobID, err.Error()); rerr != nil {
			d.logger.Error("failed to record submission failure", "job_id", jobID, "error", rerr)
		}
		return false
	}
	if err := d.submissions.MarkDispatched(ctx, jobID, now); err != nil {
		// Повторная публикация безопасна, поэтому только логируем.
		d.logger.Error("failed to mark submission dispatched", "job_id", jobID, "error", err)
	}
	return true
}
