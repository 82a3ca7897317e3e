package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/telemetry"
)

// JobState — прогресс выполняемого задания в памяти.
//
// JobState создаётся, когда ExecuteJob захватил задание, и удаляется
// после записи терминального статуса. Все исходы тенантов проходят
// через один mutex: параллельные воркеры fan-out только сообщают
// результат, а учёт и сохранение делает JobState.
type JobState struct {
	job     *domain.Job
	jobs    JobStore
	metrics *telemetry.Metrics
	logger  *slog.Logger

	// resumed — задание забрано после истечения чужой аренды.
	resumed bool

	mu sync.Mutex
}

// JobStats — снимок прогресса задания.
type JobStats struct {
	JobID     uuid.UUID `json:"job_id"`
	Kind      string    `json:"kind"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

func newJobState(job *domain.Job, jobs JobStore, metrics *telemetry.Metrics, logger *slog.Logger) *JobState {
	return &JobState{
		job:     job,
		jobs:    jobs,
		metrics: metrics,
		logger:  logger,
	}
}

// JobID возвращает ID задания.
func (s *JobState) JobID() uuid.UUID {
	return s.job.ID
}

// SetTotal фиксирует число тенантов и сохраняет его.
func (s *JobState) SetTotal(ctx context.Context, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.TotalTenants = total
	return s.jobs.SaveProgress(context.WithoutCancel(ctx), s.job)
}

// Record учитывает исход одного тенанта и сохраняет прогресс.
// err == nil означает успех.
func (s *JobState) Record(ctx context.Context, tenantID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ok bool
	if err == nil {
		ok = s.job.RecordTenantSuccess(tenantID)
		s.metrics.TenantOutcome(string(s.job.Kind), "succeeded")
	} else {
		ok = s.job.RecordTenantFailure(tenantID, err.Error())
		s.metrics.TenantOutcome(string(s.job.Kind), "failed")
	}
	if !ok {
		s.logger.Error("tenant outcome rejected by job accounting", "tenant_id", tenantID)
		return
	}

	// Прогресс сохраняется и при отмене контекста воркера.
	if err := s.jobs.SaveProgress(context.WithoutCancel(ctx), s.job); err != nil {
		s.logger.Error("failed to save job progress", "tenant_id", tenantID, "error", err)
	}
}

// Interrupt записывает не начатых тенантов как упавших с причиной interrupted.
func (s *JobState) Interrupt(ctx context.Context, tenants []domain.Tenant) {
	for _, t := range tenants {
		s.Record(ctx, t.ID, errInterrupted)
	}
}

// Stats возвращает снимок прогресса.
func (s *JobState) Stats() JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return JobStats{
		JobID:     s.job.ID,
		Kind:      string(s.job.Kind),
		Total:     s.job.TotalTenants,
		Completed: s.job.CompletedTenants,
		Failed:    len(s.job.FailedTenants),
	}
}

var errInterrupted = errors.New(domain.ReasonInterrupted)
