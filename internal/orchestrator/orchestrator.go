package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/telemetry"
	"github.com/shaiso/Rollout/internal/tenantstore"
)

// DefaultLease — аренда задания по умолчанию.
const DefaultLease = 5 * time.Minute

// JobStore — хранилище заданий.
//
// Claim, Reclaim, SaveProgress, Finish и CancelScheduled — условные
// обновления по статусу и арендатору, поэтому несколько процессов не
// выполнят задание одновременно.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// Claim переводит SCHEDULED → IN_PROGRESS и выдаёт аренду executor.
	// false — задание уже не SCHEDULED.
	Claim(ctx context.Context, id uuid.UUID, executor string, at time.Time) (bool, error)

	// Reclaim передаёт executor IN_PROGRESS задание, аренда которого
	// не продлевалась с staleBefore. false — аренда жива или задание не IN_PROGRESS.
	Reclaim(ctx context.Context, id uuid.UUID, executor string, at, staleBefore time.Time) (bool, error)

	// Heartbeat продлевает аренду; ErrState, если executor её потерял.
	Heartbeat(ctx context.Context, id uuid.UUID, executor string, at time.Time) error

	// SaveProgress сохраняет исходы тенантов и продлевает аренду
	// job.ExecutedBy; ErrState, если аренда потеряна.
	SaveProgress(ctx context.Context, job *domain.Job) error

	// Finish записывает терминальный статус; ErrState, если он уже записан
	// или IN_PROGRESS задание арендовано другим исполнителем.
	Finish(ctx context.Context, job *domain.Job) error

	// CancelScheduled переводит SCHEDULED → CANCELLED.
	CancelScheduled(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error)

	SetSchedulerRef(ctx context.Context, id uuid.UUID, ref string) error
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
}

// TenantRegistry — реестр тенантов.
type TenantRegistry interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	ListActive(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error)
	RecordDeployment(ctx context.Context, tenantID, version string, at time.Time) error
	RecordSync(ctx context.Context, tenantID, templateVersion string, at time.Time) error
}

// JobScheduler — внешний планировщик заданий.
//
// В момент срабатывания планировщик вызывает ExecuteJob с ID задания.
type JobScheduler interface {
	SubmitNow(ctx context.Context, jobID uuid.UUID) (string, error)
	SubmitAt(ctx context.Context, jobID uuid.UUID, at time.Time) (string, error)
	Cancel(ctx context.Context, ref string) error
}

// Notifier отправляет уведомления. Ошибки отправки не возвращаются.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// TemplateSyncer синхронизирует шаблон одного тенанта.
type TemplateSyncer interface {
	Sync(ctx context.Context, tenant domain.Tenant, store tenantstore.Store, master string,
		resolutions map[string]domain.ConflictResolution, actor string) (*domain.ConflictAnalysisReport, error)
}

// Orchestrator управляет заданиями.
type Orchestrator struct {
	jobs      JobStore
	tenants   TenantRegistry
	stores    tenantstore.Resolver
	scheduler JobScheduler
	syncer    TemplateSyncer
	notifier  Notifier
	metrics   *telemetry.Metrics

	parallelism int
	executorID  string
	lease       time.Duration

	// activeJobs — задания, которые выполняются в этом процессе.
	activeJobs map[uuid.UUID]*JobState
	mu         sync.RWMutex

	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// Config — конфигурация Orchestrator.
type Config struct {
	Jobs      JobStore
	Tenants   TenantRegistry
	Stores    tenantstore.Resolver
	Scheduler JobScheduler
	Syncer    TemplateSyncer
	Notifier  Notifier
	Metrics   *telemetry.Metrics

	// Parallelism — сколько тенантов обрабатывается одновременно.
	// 0 или 1 — последовательно.
	Parallelism int

	// ExecutorID — идентификатор процесса в ExecutedBy
	// (default: hostname и случайный суффикс).
	ExecutorID string

	// Lease — через сколько без heartbeat задание считается брошенным
	// и его может забрать другой воркер (default: DefaultLease).
	Lease time.Duration

	Logger *slog.Logger
}

// New создаёт Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	executorID := cfg.ExecutorID
	if executorID == "" {
		host, _ := os.Hostname()
		executorID = host + "-" + uuid.NewString()[:8]
	}

	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLease
	}

	parallelism := cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	return &Orchestrator{
		jobs:        cfg.Jobs,
		tenants:     cfg.Tenants,
		stores:      cfg.Stores,
		scheduler:   cfg.Scheduler,
		syncer:      cfg.Syncer,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		parallelism: parallelism,
		executorID:  executorID,
		lease:       lease,
		activeJobs:  make(map[uuid.UUID]*JobState),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetScheduler подключает планировщик после создания.
//
// Локальный планировщик сам вызывает ExecuteJob, поэтому его
// создают поверх уже собранного Orchestrator.
func (o *Orchestrator) SetScheduler(s JobScheduler) {
	o.scheduler = s
}

// DeployRequest — развёртывание версии у одного тенанта без ревью.
type DeployRequest struct {
	TenantID    string                  `validate:"required"`
	Version     string                  `validate:"required"`
	Notes       string
	Payload     domain.MigrationPayload
	ScheduledAt *time.Time
	Actor       string `validate:"required"`
}

// RollbackRequest — откат тенанта к ранее применённой версии.
type RollbackRequest struct {
	TenantID        string    `validate:"required"`
	TargetVersionID uuid.UUID `validate:"required"`
	ScheduledAt     *time.Time
	Actor           string `validate:"required"`
}

// SyncRequest — синхронизация шаблона тенанта с мастер-версией.
type SyncRequest struct {
	TenantID        string `validate:"required"`
	TemplateVersion string `validate:"required"`
	Resolutions     map[string]domain.ConflictResolution
	ScheduledAt     *time.Time
	Actor           string `validate:"required"`
}

// ScheduleTenantJob создаёт и передаёт планировщику deploy одного тенанта.
func (o *Orchestrator) ScheduleTenantJob(ctx context.Context, req DeployRequest) (*domain.Job, error) {
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.tenants.Get(ctx, req.TenantID); err != nil {
		return nil, err
	}

	job := domain.NewJob(domain.JobKindDeploy, req.Version, req.Actor, req.ScheduledAt)
	job.TenantID = &req.TenantID
	job.Notes = req.Notes
	job.Payload = req.Payload
	job.TotalTenants = 1
	return o.createAndSubmit(ctx, job)
}

// ScheduleTenantRollback создаёт и передаёт планировщику откат тенанта.
//
// Условия отката проверяются при выполнении: к этому моменту текущая
// версия тенанта может измениться.
func (o *Orchestrator) ScheduleTenantRollback(ctx context.Context, req RollbackRequest) (*domain.Job, error) {
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := o.tenants.Get(ctx, req.TenantID); err != nil {
		return nil, err
	}

	job := domain.NewJob(domain.JobKindRollback, "", req.Actor, req.ScheduledAt)
	job.TenantID = &req.TenantID
	job.TargetVersionID = &req.TargetVersionID
	job.Notes = fmt.Sprintf("rollback to %s", req.TargetVersionID)
	job.TotalTenants = 1
	return o.createAndSubmit(ctx, job)
}

// ScheduleTenantTemplateSync создаёт и передаёт планировщику синхронизацию шаблона.
func (o *Orchestrator) ScheduleTenantTemplateSync(ctx context.Context, req SyncRequest) (*domain.Job, error) {
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}
	for path, r := range req.Resolutions {
		if !r.IsValid() {
			return nil, domain.Validationf("resolution for %s: unknown value %q", path, r)
		}
	}
	if _, err := o.tenants.Get(ctx, req.TenantID); err != nil {
		return nil, err
	}

	job := domain.NewJob(domain.JobKindTemplateSync, req.TemplateVersion, req.Actor, req.ScheduledAt)
	job.TenantID = &req.TenantID
	job.Resolutions = req.Resolutions
	job.TotalTenants = 1
	return o.createAndSubmit(ctx, job)
}

func (o *Orchestrator) validateRequest(req any) error {
	if err := o.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func (o *Orchestrator) createAndSubmit(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: create job: %w", domain.ErrInfrastructure, err)
	}
	if err := o.Submit(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// Submit передаёт сохранённое задание планировщику и запоминает ссылку.
//
// Если планировщик отказал, задание переводится в FAILED:
// SCHEDULED задание без подписки никогда не выполнится.
func (o *Orchestrator) Submit(ctx context.Context, job *domain.Job) error {
	if o.scheduler == nil {
		return o.failSubmit(ctx, job, ErrNotConfigured)
	}

	var (
		ref string
		err error
	)
	if job.IsDeferred(o.now()) {
		ref, err = o.scheduler.SubmitAt(ctx, job.ID, job.ScheduledAt)
	} else {
		ref, err = o.scheduler.SubmitNow(ctx, job.ID)
	}
	if err != nil {
		return o.failSubmit(ctx, job, err)
	}

	job.SchedulerRef = ref
	if err := o.jobs.SetSchedulerRef(ctx, job.ID, ref); err != nil {
		o.logger.Warn("failed to store scheduler ref", "job_id", job.ID, "ref", ref, "error", err)
	}

	o.logger.Info("job submitted",
		"job_id", job.ID,
		"kind", job.Kind,
		"scheduled_at", job.ScheduledAt,
		"scheduler_ref", ref,
	)
	return nil
}

func (o *Orchestrator) failSubmit(ctx context.Context, job *domain.Job, cause error) error {
	job.MarkFailed("submit to scheduler: " + cause.Error())
	o.finish(ctx, job)
	if errors.Is(cause, domain.ErrInfrastructure) {
		return fmt.Errorf("submit job %s: %w", job.ID, cause)
	}
	return fmt.Errorf("%w: submit job %s: %w", domain.ErrInfrastructure, job.ID, cause)
}

// Cancel отменяет задание, которое ещё не начало выполняться.
//
// Возвращает false, если задание уже выполняется или завершено.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID, by string) (bool, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	return o.cancel(ctx, job, by)
}

// CancelSync — Cancel только для заданий template_sync.
func (o *Orchestrator) CancelSync(ctx context.Context, jobID uuid.UUID, by string) (bool, error) {
	job, err := o.SyncStatus(ctx, jobID)
	if err != nil {
		return false, err
	}
	return o.cancel(ctx, job, by)
}

func (o *Orchestrator) cancel(ctx context.Context, job *domain.Job, by string) (bool, error) {
	ok, err := o.jobs.CancelScheduled(ctx, job.ID, by, o.now())
	if err != nil {
		return false, fmt.Errorf("%w: cancel job: %w", domain.ErrInfrastructure, err)
	}
	if !ok {
		o.logger.Info("job not cancellable", "job_id", job.ID, "status", job.Status)
		return false, nil
	}

	if job.SchedulerRef != "" && o.scheduler != nil {
		if err := o.scheduler.Cancel(ctx, job.SchedulerRef); err != nil {
			// ExecuteJob всё равно не захватит CANCELLED задание.
			o.logger.Warn("failed to cancel scheduler submission", "job_id", job.ID, "error", err)
		}
	}

	job.MarkCancelled(by)
	o.metrics.JobFinished(string(job.Kind), string(job.Status), 0)
	o.notifyFinished(ctx, job)
	o.logger.Info("job cancelled", "job_id", job.ID, "by", by)
	return true, nil
}

// Status возвращает задание.
func (o *Orchestrator) Status(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	return o.jobs.GetByID(ctx, jobID)
}

// SyncStatus возвращает задание template_sync.
func (o *Orchestrator) SyncStatus(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Kind != domain.JobKindTemplateSync {
		return nil, fmt.Errorf("%w: job %s is %s", ErrWrongKind, job.ID, job.Kind)
	}
	return job, nil
}

// ActiveJobsCount возвращает количество заданий, выполняемых в этом процессе.
func (o *Orchestrator) ActiveJobsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeJobs)
}

// ActiveJobStats возвращает прогресс задания, если оно выполняется здесь.
func (o *Orchestrator) ActiveJobStats(jobID uuid.UUID) (JobStats, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	state, ok := o.activeJobs[jobID]
	if !ok {
		return JobStats{}, false
	}
	return state.Stats(), true
}

func (o *Orchestrator) addActiveJob(state *JobState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeJobs[state.JobID()] = state
}

func (o *Orchestrator) removeActiveJob(jobID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeJobs, jobID)
}

func (o *Orchestrator) notifyFinished(ctx context.Context, job *domain.Job) {
	if o.notifier == nil {
		return
	}
	attrs := map[string]string{
		"job_id": job.ID.String(),
		"kind":   string(job.Kind),
		"status": string(job.Status),
	}
	if job.TenantID != nil {
		attrs["tenant_id"] = *job.TenantID
	}
	if job.Error != "" {
		attrs["error"] = job.Error
	}
	o.notifier.Notify(context.WithoutCancel(ctx), domain.Notification{
		Event:      domain.EventJobFinished,
		Subject:    fmt.Sprintf("%s job %s %s", job.Kind, job.Version, job.Status),
		Attributes: attrs,
		OccurredAt: o.now(),
	})
}
